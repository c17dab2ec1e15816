package topology

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/NodePath81/fbping/internal/config"
	"github.com/NodePath81/fbping/internal/pinger"
	"github.com/google/go-cmp/cmp"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const topologyJSON = `{
  "name": "mesh-east",
  "nodes": [
    {"name": "pop-1", "mac_addr": "00:00:00:00:00:01", "site_name": "site-a", "node_type": 2, "pop_node": true},
    {"name": "cn-1", "mac_addr": "00:00:00:00:00:02", "site_name": "site-b", "node_type": 1, "pop_node": false},
    {"name": "v4-node", "mac_addr": "00:00:00:00:00:03", "site_name": "site-c", "node_type": 2},
    {"name": "offline", "mac_addr": "00:00:00:00:00:04", "site_name": "site-c", "node_type": 2},
    {"name": "no-ip", "mac_addr": "00:00:00:00:00:05", "site_name": "site-d", "node_type": 2},
    {"name": "garbage", "mac_addr": "00:00:00:00:00:06", "site_name": "site-d", "node_type": 2}
  ]
}`

const statusJSON = `{
  "statusReports": {
    "00:00:00:00:00:01": {"ipv6Address": "2001:db8::1"},
    "00:00:00:00:00:02": {"ipv6Address": "2001:db8::2"},
    "00:00:00:00:00:03": {"ipv6Address": "10.0.0.3"},
    "00:00:00:00:00:05": {"ipv6Address": ""},
    "00:00:00:00:00:06": {"ipv6Address": "not-an-ip"}
  }
}`

func newControllerServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case topologyPath:
			_, _ = io.WriteString(w, topologyJSON)
		case statusDumpPath:
			_, _ = io.WriteString(w, statusJSON)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestControllerTargets(t *testing.T) {
	srv := newControllerServer(t, "secret")
	defer srv.Close()

	c := NewController(config.ControllerConfig{Name: "east", URL: srv.URL + "/", Token: "secret"}, time.Second, discard())
	got, err := c.Targets(context.Background())
	if err != nil {
		t.Fatalf("Targets error: %v", err)
	}
	want := []pinger.Target{
		{IP: "2001:db8::1", MAC: "00:00:00:00:00:01", Name: "pop-1", Site: "site-a", Network: "mesh-east", IsPop: true},
		{IP: "2001:db8::2", MAC: "00:00:00:00:00:02", Name: "cn-1", Site: "site-b", Network: "mesh-east", IsCN: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("targets mismatch (-want +got):\n%s", diff)
	}
}

func TestControllerUnauthorized(t *testing.T) {
	srv := newControllerServer(t, "secret")
	defer srv.Close()

	c := NewController(config.ControllerConfig{Name: "east", URL: srv.URL, Token: "wrong"}, time.Second, discard())
	if _, err := c.Targets(context.Background()); err == nil {
		t.Fatalf("Targets with bad token: want error")
	}
}

type failingProvider struct{ err error }

func (f failingProvider) Targets(context.Context) ([]pinger.Target, error) {
	return nil, f.err
}

func TestMultiSkipsFailedProviders(t *testing.T) {
	m := NewMulti(discard())
	m.Add("static", NewStatic([]config.TargetConfig{{IP: "2001:db8::9", Name: "static-1", Network: "lab"}}))
	m.Add("broken", failingProvider{err: errors.New("connection refused")})

	got, err := m.Targets(context.Background())
	if err != nil {
		t.Fatalf("Targets error: %v", err)
	}
	want := []pinger.Target{{IP: "2001:db8::9", Name: "static-1", Network: "lab"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("targets mismatch (-want +got):\n%s", diff)
	}
}

func TestMultiFailsWhenAllFail(t *testing.T) {
	boom := errors.New("connection refused")
	m := NewMulti(discard())
	m.Add("a", failingProvider{err: boom})
	m.Add("b", failingProvider{err: boom})
	if _, err := m.Targets(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Targets error = %v, want %v", err, boom)
	}
}

func TestStaticReturnsCopy(t *testing.T) {
	s := NewStatic([]config.TargetConfig{{IP: "2001:db8::1"}})
	first, _ := s.Targets(context.Background())
	first[0].IP = "changed"
	second, _ := s.Targets(context.Background())
	if second[0].IP != "2001:db8::1" {
		t.Fatalf("IP = %q, want unchanged", second[0].IP)
	}
}

func TestFromConfig(t *testing.T) {
	srv := newControllerServer(t, "")
	defer srv.Close()

	cfg := config.TopologyConfig{
		Targets:     []config.TargetConfig{{IP: "2001:db8::9"}},
		Controllers: []config.ControllerConfig{{Name: "east", URL: srv.URL}},
	}
	m := FromConfig(cfg, discard())
	if m.Len() != 2 {
		t.Fatalf("providers = %d, want 2", m.Len())
	}
	got, err := m.Targets(context.Background())
	if err != nil {
		t.Fatalf("Targets error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("targets = %d, want 3", len(got))
	}
}
