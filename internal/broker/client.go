package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/lifemapper/mapfront/internal/core/httpclient"
	"github.com/lifemapper/mapfront/internal/logger"
)

type Config struct {
	BaseURL       string
	OccProviders  []string
	NameProviders []string
}

type Client struct {
	base          string
	hc            *http.Client
	occProviders  []string
	nameProviders []string
	log           *slog.Logger
}

func New(cfg Config, hc *http.Client, log *slog.Logger) *Client {
	if hc == nil {
		hc = httpclient.NewOutbound(0)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Client{
		base:          strings.TrimRight(cfg.BaseURL, "/"),
		hc:            hc,
		occProviders:  slices.Clone(cfg.OccProviders),
		nameProviders: slices.Clone(cfg.NameProviders),
		log:           log,
	}
}

// Occurrence looks occid up across the occurrence providers.
func (c *Client) Occurrence(ctx context.Context, occid string) ([]BrokerRecord, error) {
	if occid == "" {
		return nil, nil
	}
	return c.fetchAll(ctx, "/api/v1/occ/", url.Values{"occid": {occid}}, c.occProviders)
}

// Name looks namestr up across the name providers.
func (c *Client) Name(ctx context.Context, namestr string) ([]BrokerRecord, error) {
	if namestr == "" {
		return nil, nil
	}
	return c.fetchAll(ctx, "/api/v1/name/", url.Values{"namestr": {namestr}}, c.nameProviders)
}

// Map fetches the distribution-model layer listing for namestr.
func (c *Client) Map(ctx context.Context, namestr, scenario string) (Envelope, error) {
	q := url.Values{
		"namestr":      {namestr},
		"scenariocode": {scenario},
		"provider":     {"lm"},
	}
	var env Envelope
	err := httpclient.DoJSON(ctx, c.hc, "broker_map", http.MethodGet, c.base+"/api/v1/map/?"+q.Encode(), nil, &env)
	if err != nil {
		return Envelope{}, fmt.Errorf("broker map %q: %w", namestr, err)
	}
	return env, nil
}

// fetchAll queries every provider concurrently. A provider that fails or
// answers with an invalid envelope is skipped; results follow provider order.
func (c *Client) fetchAll(ctx context.Context, path string, q url.Values, providers []string) ([]BrokerRecord, error) {
	found := make([]*BrokerRecord, len(providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range providers {
		g.Go(func() error {
			pq := url.Values{}
			for k, v := range q {
				pq[k] = v
			}
			pq.Set("provider", p)

			var env Envelope
			u := c.base + path + "?" + pq.Encode()
			if err := httpclient.DoJSON(gctx, c.hc, "broker", http.MethodGet, u, nil, &env); err != nil {
				c.log.ErrorContext(ctx, "broker lookup failed", "provider", p, "path", path, "err", err)
				return nil
			}
			if !env.Valid() {
				if txt := env.ErrorText(); txt != "" {
					c.log.WarnContext(ctx, "broker reported errors", "provider", p, "errors", txt)
				}
				return nil
			}
			first := env.Records[0]
			found[i] = &BrokerRecord{
				Record:   first.Records[0],
				Service:  env.Service,
				Provider: first.Provider,
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]BrokerRecord, 0, len(found))
	for _, r := range found {
		if r != nil {
			out = append(out, *r)
		}
	}
	// the broker may answer under a different code than requested
	slices.SortStableFunc(out, func(a, b BrokerRecord) int {
		return providerRank(providers, a.Provider.Code) - providerRank(providers, b.Provider.Code)
	})
	return out, nil
}

func providerRank(providers []string, code string) int {
	if i := slices.Index(providers, code); i >= 0 {
		return i
	}
	return len(providers)
}
