package http_api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/models"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/paykit"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/logger"
)

const testToken = "s3cret"

type mockPaykit struct {
	models.PaykitI

	SettingsFunc       func(ctx context.Context) (*models.AutoPaySettings, error)
	UpdateSettingsFunc func(ctx context.Context, enabled *bool, limit *uint64) (*models.AutoPaySettings, error)
	SaveRuleFunc       func(ctx context.Context, rule *models.AutoPayRule, peerLimitSats uint64) error
	DeleteRuleFunc     func(ctx context.Context, id string) error
	SetPeerLimitFunc   func(ctx context.Context, peer string, limit uint64) (*models.PeerSpendingLimit, error)
	RequestsFunc       func(ctx context.Context, status models.PaymentRequestStatus) ([]models.PaymentRequest, error)
	TriggerCycleFunc   func(ctx context.Context, cycle string) error
}

func (m *mockPaykit) Settings(ctx context.Context) (*models.AutoPaySettings, error) {
	return m.SettingsFunc(ctx)
}

func (m *mockPaykit) UpdateSettings(ctx context.Context, enabled *bool, limit *uint64) (*models.AutoPaySettings, error) {
	return m.UpdateSettingsFunc(ctx, enabled, limit)
}

func (m *mockPaykit) SaveRule(ctx context.Context, rule *models.AutoPayRule, peerLimitSats uint64) error {
	return m.SaveRuleFunc(ctx, rule, peerLimitSats)
}

func (m *mockPaykit) DeleteRule(ctx context.Context, id string) error {
	return m.DeleteRuleFunc(ctx, id)
}

func (m *mockPaykit) SetPeerLimit(ctx context.Context, peer string, limit uint64) (*models.PeerSpendingLimit, error) {
	return m.SetPeerLimitFunc(ctx, peer, limit)
}

func (m *mockPaykit) PaymentRequests(ctx context.Context, status models.PaymentRequestStatus) ([]models.PaymentRequest, error) {
	return m.RequestsFunc(ctx, status)
}

func (m *mockPaykit) TriggerCycle(ctx context.Context, cycle string) error {
	return m.TriggerCycleFunc(ctx, cycle)
}

func newTestServer(p models.PaykitI) *HTTPServer {
	gin.SetMode(gin.TestMode)
	return NewHTTPServer(p, 0, testToken, logger.NewNopLogger())
}

func do(s *HTTPServer, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestAuth(t *testing.T) {
	s := newTestServer(&mockPaykit{
		SettingsFunc: func(ctx context.Context) (*models.AutoPaySettings, error) {
			return &models.AutoPaySettings{}, nil
		},
	})

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(s, http.MethodGet, "/api/v1/autopay/settings", "", tt.token)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	if w := do(s, http.MethodGet, "/healthz", "", ""); w.Code != http.StatusOK {
		t.Errorf("healthz status = %d", w.Code)
	}
}

func TestAuth_EmptyTokenRejectsAll(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewHTTPServer(&mockPaykit{}, 0, "", logger.NewNopLogger())

	w := do(s, http.MethodGet, "/api/v1/autopay/settings", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestGetSettings(t *testing.T) {
	s := newTestServer(&mockPaykit{
		SettingsFunc: func(ctx context.Context) (*models.AutoPaySettings, error) {
			return &models.AutoPaySettings{Enabled: true, GlobalDailyLimitSats: 100000, CurrentDailySpentSats: 40000}, nil
		},
	})

	w := do(s, http.MethodGet, "/api/v1/autopay/settings", "", testToken)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["enabled"] != true || body["remaining_sats"] != float64(60000) || body["remaining_btc"] != "0.0006" {
		t.Errorf("body = %v", body)
	}
}

func TestUpdateSettings(t *testing.T) {
	var gotEnabled *bool
	var gotLimit *uint64
	s := newTestServer(&mockPaykit{
		UpdateSettingsFunc: func(ctx context.Context, enabled *bool, limit *uint64) (*models.AutoPaySettings, error) {
			gotEnabled, gotLimit = enabled, limit
			return &models.AutoPaySettings{GlobalDailyLimitSats: *limit}, nil
		},
	})

	w := do(s, http.MethodPut, "/api/v1/autopay/settings", `{"global_daily_limit_sats": 2500}`, testToken)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	if gotEnabled != nil || gotLimit == nil || *gotLimit != 2500 {
		t.Errorf("enabled = %v, limit = %v", gotEnabled, gotLimit)
	}

	if w := do(s, http.MethodPut, "/api/v1/autopay/settings", `{not json`, testToken); w.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", w.Code)
	}
}

func TestSaveRule(t *testing.T) {
	var saved *models.AutoPayRule
	var savedLimit uint64
	s := newTestServer(&mockPaykit{
		SaveRuleFunc: func(ctx context.Context, rule *models.AutoPayRule, peerLimitSats uint64) error {
			if rule.PeerPubkey == "bad" {
				return fmt.Errorf("%w: invalid pubkey", paykit.ErrInvalidInput)
			}
			rule.ID = "rule-1"
			saved, savedLimit = rule, peerLimitSats
			return nil
		},
	})

	body := `{"name":"coffee","peer_pubkey":"pk:abc","max_amount_sats":5000,"allowed_methods":["lightning"],"peer_limit_sats":20000}`
	w := do(s, http.MethodPost, "/api/v1/autopay/rules", body, testToken)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	if saved == nil || !saved.Enabled || saved.MaxAmountSats != 5000 || savedLimit != 20000 {
		t.Errorf("saved = %+v, limit = %d", saved, savedLimit)
	}
	if !strings.Contains(w.Body.String(), `"id":"rule-1"`) {
		t.Errorf("body = %s", w.Body)
	}

	tests := []struct {
		name string
		body string
	}{
		{"missing name", `{"peer_pubkey":"pk:abc","max_amount_sats":1}`},
		{"zero amount", `{"name":"x","peer_pubkey":"pk:abc","max_amount_sats":0}`},
		{"invalid pubkey", `{"name":"x","peer_pubkey":"bad","max_amount_sats":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(s, http.MethodPost, "/api/v1/autopay/rules", tt.body, testToken); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestDeleteRule(t *testing.T) {
	s := newTestServer(&mockPaykit{
		DeleteRuleFunc: func(ctx context.Context, id string) error {
			if id == "missing" {
				return models.ErrNotFound
			}
			return nil
		},
	})

	if w := do(s, http.MethodDelete, "/api/v1/autopay/rules/r1", "", testToken); w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", w.Code)
	}
	if w := do(s, http.MethodDelete, "/api/v1/autopay/rules/missing", "", testToken); w.Code != http.StatusNotFound {
		t.Errorf("delete missing status = %d", w.Code)
	}
}

func TestSetPeerLimit(t *testing.T) {
	s := newTestServer(&mockPaykit{
		SetPeerLimitFunc: func(ctx context.Context, peer string, limit uint64) (*models.PeerSpendingLimit, error) {
			return &models.PeerSpendingLimit{PeerPubkey: peer, LimitSats: limit}, nil
		},
	})

	w := do(s, http.MethodPut, "/api/v1/autopay/limits/pk:abc", `{"limit_sats": 0}`, testToken)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	if !strings.Contains(w.Body.String(), `"peer_pubkey":"pk:abc"`) {
		t.Errorf("body = %s", w.Body)
	}
	if w := do(s, http.MethodPut, "/api/v1/autopay/limits/pk:abc", `{}`, testToken); w.Code != http.StatusBadRequest {
		t.Errorf("missing limit status = %d", w.Code)
	}
}

func TestListRequests(t *testing.T) {
	var gotStatus models.PaymentRequestStatus
	s := newTestServer(&mockPaykit{
		RequestsFunc: func(ctx context.Context, status models.PaymentRequestStatus) ([]models.PaymentRequest, error) {
			gotStatus = status
			return []models.PaymentRequest{{ID: "req-1", Status: status}}, nil
		},
	})

	w := do(s, http.MethodGet, "/api/v1/requests?status=pending", "", testToken)
	if w.Code != http.StatusOK || gotStatus != models.PaymentRequestPending {
		t.Errorf("status = %d, filter = %q", w.Code, gotStatus)
	}
}

func TestTriggerCycle(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"completed", nil, http.StatusOK},
		{"unknown", fmt.Errorf("%w: %q", paykit.ErrUnknownCycle, "x"), http.StatusNotFound},
		{"busy", paykit.ErrCycleRunning, http.StatusConflict},
		{"lease", paykit.ErrLockHeld, http.StatusConflict},
		{"failed", errors.New("node not ready"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&mockPaykit{
				TriggerCycleFunc: func(ctx context.Context, cycle string) error { return tt.err },
			})
			w := do(s, http.MethodPost, "/api/v1/cycles/discovery", "", testToken)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(&mockPaykit{})
	w := do(s, http.MethodOptions, "/api/v1/autopay/settings", "", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("missing CORS header")
	}
}
