package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDoJSON_PostsAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %q", r.Method, r.Header.Get("Content-Type"))
		}
		var in map[string]any
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(map[string]any{"echo": in["q"]})
	}))
	defer srv.Close()

	var out struct {
		Echo string `json:"echo"`
	}
	err := DoJSON(context.Background(), NewOutbound(time.Second), "test", http.MethodPost, srv.URL, map[string]string{"q": "x"}, &out)
	if err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if out.Echo != "x" {
		t.Fatalf("echo=%q", out.Echo)
	}
}

func TestDoJSON_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := DoJSON(context.Background(), NewOutbound(0), "test", http.MethodGet, srv.URL, nil, &struct{}{})
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusBadGateway {
		t.Fatalf("err=%v want StatusError 502", err)
	}
}
