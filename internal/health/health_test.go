package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/Shugur-Network/relaymux/internal/config"
	"github.com/Shugur-Network/relaymux/internal/storage"
)

type relays struct{ connected, total int }

func (r relays) ConnectedCount() (int, int) { return r.connected, r.total }

type ports int

func (p ports) Ports() int { return int(p) }

func newChecker(t *testing.T, r relays, p PortCounter) (*HealthChecker, *storage.Memory) {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	store := storage.NewMemory()
	return NewHealthChecker(store, r, p, cfg, zap.NewNop(), "test"), store
}

func get(t *testing.T, h *HealthChecker, url string) (int, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, url, nil))
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, resp
}

func TestHealthyWhenRelaysConnected(t *testing.T) {
	h, _ := newChecker(t, relays{connected: 2, total: 3}, ports(1))
	code, resp := get(t, h, "/health?ready=1")
	if code != http.StatusOK || resp.Status != StatusHealthy || !resp.Ready {
		t.Fatalf("code=%d status=%s ready=%t", code, resp.Status, resp.Ready)
	}
	if len(resp.Components) != 5 {
		t.Fatalf("components = %d, want 5", len(resp.Components))
	}
}

func TestNotReadyWithoutConnectedRelays(t *testing.T) {
	h, _ := newChecker(t, relays{connected: 0, total: 3}, nil)

	code, resp := get(t, h, "/health")
	if code != http.StatusOK || resp.Status != StatusDegraded {
		t.Fatalf("liveness: code=%d status=%s", code, resp.Status)
	}
	code, resp = get(t, h, "/health?ready=1")
	if code != http.StatusServiceUnavailable || resp.Ready {
		t.Fatalf("readiness: code=%d ready=%t", code, resp.Ready)
	}
}

func TestClosedStorageIsUnhealthy(t *testing.T) {
	h, store := newChecker(t, relays{}, nil)
	_ = store.Close()

	code, resp := get(t, h, "/health")
	if code != http.StatusServiceUnavailable || resp.Status != StatusUnhealthy {
		t.Fatalf("code=%d status=%s", code, resp.Status)
	}
}
