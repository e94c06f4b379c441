package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/models"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/logger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(logger.NewNopLogger(), srv.URL, "deadbeef")
}

func TestExecute_Success(t *testing.T) {
	var got paymentRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/payments" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get(macaroonHeader) != "deadbeef" {
			t.Errorf("macaroon header = %q", r.Header.Get(macaroonHeader))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(models.ExecutionResult{
			Success: true,
			Receipt: &models.ExecutionReceipt{PaymentHash: "ph", Preimage: "pi", FeeSats: 2, ID: "p1"},
		})
	})

	recipient := models.RecipientDescriptor{PeerPubkey: "pk:sender", MethodID: "lightning", Endpoint: "lnbc1..."}
	res := c.Execute(context.Background(), recipient, 1500, "pk:sender")
	if !res.Success || res.Receipt == nil || res.Receipt.PaymentHash != "ph" {
		t.Fatalf("Execute() = %+v", res)
	}
	if got.AmountSats != 1500 || got.MethodID != "lightning" || got.Endpoint != "lnbc1..." || got.PeerPubkey != "pk:sender" {
		t.Errorf("request body = %+v", got)
	}
}

func TestExecute_Failures(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		message   string
		retryable bool
	}{
		{
			name: "node reports failure",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(models.ExecutionResult{
					Error: &models.ExecutionError{Message: "no route", IsRetryable: true},
				})
			},
			message:   "no route",
			retryable: true,
		},
		{
			name: "structured error status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(models.ExecutionResult{
					Error: &models.ExecutionError{Message: "invoice expired"},
				})
			},
			message: "invoice expired",
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "overloaded", http.StatusServiceUnavailable)
			},
			message:   "unexpected status code 503: overloaded",
			retryable: true,
		},
		{
			name: "unsuccessful without error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"success":false}`))
			},
			message: "payment failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)
			res := c.Execute(context.Background(), models.RecipientDescriptor{PeerPubkey: "pk:x"}, 10, "pk:x")
			if res.Success {
				t.Fatal("expected failure")
			}
			if res.Error == nil || res.Error.Message != tt.message || res.Error.IsRetryable != tt.retryable {
				t.Errorf("error = %+v, want %q retryable=%v", res.Error, tt.message, tt.retryable)
			}
		})
	}
}

func TestExecute_Timeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := c.Execute(ctx, models.RecipientDescriptor{PeerPubkey: "pk:x"}, 10, "pk:x")
	if res.Success || res.Error == nil || res.Error.Message != "payment timed out" || !res.Error.IsRetryable {
		t.Errorf("Execute() = %+v, want retryable timeout", res)
	}
}

func TestWaitReady(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			_, _ = w.Write([]byte(`{"ready":false}`))
			return
		}
		_, _ = w.Write([]byte(`{"ready":true}`))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("status calls = %d, want 3", got)
	}
}

func TestWaitReady_Timeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "starting", http.StatusServiceUnavailable)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := c.WaitReady(ctx)
	if !errors.Is(err, ErrNodeNotReady) {
		t.Fatalf("WaitReady() error = %v, want ErrNodeNotReady", err)
	}
}
