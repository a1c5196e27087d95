package mapstate

import (
	"log/slog"
	"sync"

	"github.com/lifemapper/mapfront/internal/core/observability"
	"github.com/lifemapper/mapfront/internal/logger"
	"github.com/lifemapper/mapfront/internal/messaging"
)

const subscriberBuffer = 16

// Machine serializes dispatches against one State. After Close every
// dispatch is ignored.
type Machine struct {
	mu     sync.Mutex
	state  State
	subs   []chan State
	closed bool
	log    *slog.Logger
}

func NewMachine(log *slog.Logger) *Machine {
	if log == nil {
		log = logger.Discard()
	}
	return &Machine{log: log}
}

// Dispatch reduces m into the current state and notifies subscribers. It
// reports whether the message was applied, which is false once closed.
func (m *Machine) Dispatch(msg messaging.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		observability.IncDispatch("ignored")
		return false, nil
	}
	next, err := Reduce(m.state, msg)
	if err != nil {
		return false, err
	}
	m.state = next
	observability.IncDispatch(msg.Type())
	for _, ch := range m.subs {
		select {
		case ch <- next:
		default:
			// slow subscriber: drop its oldest pending state
			select {
			case <-ch:
			default:
			}
			ch <- next
		}
	}
	return true, nil
}

func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe returns a channel that receives the state after each dispatch.
// Intermediate states may be skipped for a slow reader; the last one never is.
// The channel is closed by Close.
func (m *Machine) Subscribe() <-chan State {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan State, subscriberBuffer)
	if m.closed {
		close(ch)
		return ch
	}
	m.subs = append(m.subs, ch)
	return ch
}

func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
	m.log.Debug("map state closed")
}
