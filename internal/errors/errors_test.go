package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSentinelMatchingByCode(t *testing.T) {
	err := fmt.Errorf("rank: %w", SelectionFailure("getBestRelay", 3))
	if !Is(err, ErrNoRelays) {
		t.Fatal("SelectionFailure should match ErrNoRelays")
	}
	if Is(err, ErrSocketClosed) {
		t.Fatal("SelectionFailure must not match ErrSocketClosed")
	}
	if !IsType(err, ErrorTypeExternal) {
		t.Fatal("expected external type")
	}
}

func TestConnectionErrorClassifiesTimeout(t *testing.T) {
	e := ConnectionError("wss://a", context.DeadlineExceeded)
	if e.Code != CodeOpenTimeout {
		t.Errorf("code = %s, want %s", e.Code, CodeOpenTimeout)
	}
	if e.Relay != "wss://a" {
		t.Errorf("relay = %q", e.Relay)
	}
	if !IsRecoverable(e) {
		t.Error("connection errors should be recoverable")
	}
	if Is(e, context.DeadlineExceeded) != true {
		t.Error("cause should stay in the chain")
	}
}

func TestSignErrorNotRecoverable(t *testing.T) {
	if IsRecoverable(SignError("no key", nil)) {
		t.Fatal("sign errors are surfaced, not retried")
	}
	if !Is(SignError("x", nil), ErrNoSigner) {
		t.Fatal("SignError should match ErrNoSigner")
	}
}

func TestShouldRetry(t *testing.T) {
	e := NetworkError("read", fmt.Errorf("broken pipe"))
	if !ShouldRetry(e, 0, 3) {
		t.Error("first attempt should retry")
	}
	if ShouldRetry(e, 3, 3) {
		t.Error("should stop at max attempts")
	}
}

func TestHandlerWritesStructuredError(t *testing.T) {
	h := NewHandler(func(w http.ResponseWriter, r *http.Request) error {
		return TargetError("single needs exactly one url")
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/relays", nil)
	req.Header.Set(RequestIDHeader, "abc")
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != CodeInvalidTarget || body.Error.RequestID != "abc" {
		t.Errorf("body = %+v", body.Error)
	}
}

func TestHandlerRecoversPanic(t *testing.T) {
	h := NewHandler(func(w http.ResponseWriter, r *http.Request) error { panic("boom") })
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("request id header missing")
	}
}
