package http_api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/autopay"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/models"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/paykit"
)

// UpdateSettingsRequest changes the autopay switch and/or the global daily limit.
type UpdateSettingsRequest struct {
	Enabled              *bool   `json:"enabled"`
	GlobalDailyLimitSats *uint64 `json:"global_daily_limit_sats"`
}

// SettingsResponse is the settings row plus derived headroom.
type SettingsResponse struct {
	*models.AutoPaySettings
	RemainingSats uint64 `json:"remaining_sats"`
	RemainingBTC  string `json:"remaining_btc"`
}

// SaveRuleRequest creates a rule, or replaces it when ID is set.
type SaveRuleRequest struct {
	ID             string   `json:"id"`
	Name           string   `json:"name" binding:"required"`
	PeerPubkey     string   `json:"peer_pubkey" binding:"required"`
	MaxAmountSats  uint64   `json:"max_amount_sats" binding:"required,gt=0"`
	AllowedMethods []string `json:"allowed_methods"`
	Enabled        *bool    `json:"enabled"`
	Position       int      `json:"position"`
	// PeerLimitSats creates a peer limit with the rule when the peer has none.
	PeerLimitSats uint64 `json:"peer_limit_sats"`
}

// SetPeerLimitRequest sets a peer's daily limit.
type SetPeerLimitRequest struct {
	LimitSats *uint64 `json:"limit_sats" binding:"required"`
}

// writeError maps application errors to status codes.
func (s *HTTPServer) writeError(c *gin.Context, err error, msg string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, paykit.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound), errors.Is(err, paykit.ErrUnknownCycle):
		status = http.StatusNotFound
	case errors.Is(err, paykit.ErrCycleRunning), errors.Is(err, paykit.ErrLockHeld):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("Failed to "+msg, "path", c.Request.URL.Path, "error", err)
		c.JSON(status, gin.H{"error": "failed to " + msg})
		return
	}
	s.logger.Debug("Rejected API request", "path", c.Request.URL.Path, "status", status, "error", err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *HTTPServer) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func settingsResponse(settings *models.AutoPaySettings) SettingsResponse {
	remaining := autopay.Remaining(settings.GlobalDailyLimitSats, settings.CurrentDailySpentSats)
	return SettingsResponse{
		AutoPaySettings: settings,
		RemainingSats:   remaining,
		RemainingBTC:    models.SatsToBTC(remaining).String(),
	}
}

func (s *HTTPServer) getSettings(c *gin.Context) {
	settings, err := s.paykit.Settings(c.Request.Context())
	if err != nil {
		s.writeError(c, err, "get settings")
		return
	}
	c.JSON(http.StatusOK, settingsResponse(settings))
}

func (s *HTTPServer) updateSettings(c *gin.Context) {
	var req UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	settings, err := s.paykit.UpdateSettings(c.Request.Context(), req.Enabled, req.GlobalDailyLimitSats)
	if err != nil {
		s.writeError(c, err, "update settings")
		return
	}
	c.JSON(http.StatusOK, settingsResponse(settings))
}

func (s *HTTPServer) listRules(c *gin.Context) {
	rules, err := s.paykit.Rules(c.Request.Context())
	if err != nil {
		s.writeError(c, err, "list rules")
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (s *HTTPServer) saveRule(c *gin.Context) {
	var req SaveRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	rule := &models.AutoPayRule{
		ID:             req.ID,
		Name:           req.Name,
		PeerPubkey:     req.PeerPubkey,
		MaxAmountSats:  req.MaxAmountSats,
		AllowedMethods: req.AllowedMethods,
		Enabled:        enabled,
		Position:       req.Position,
	}
	if err := s.paykit.SaveRule(c.Request.Context(), rule, req.PeerLimitSats); err != nil {
		s.writeError(c, err, "save rule")
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (s *HTTPServer) deleteRule(c *gin.Context) {
	if err := s.paykit.DeleteRule(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err, "delete rule")
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *HTTPServer) listPeerLimits(c *gin.Context) {
	limits, err := s.paykit.PeerLimits(c.Request.Context())
	if err != nil {
		s.writeError(c, err, "list peer limits")
		return
	}
	c.JSON(http.StatusOK, limits)
}

func (s *HTTPServer) setPeerLimit(c *gin.Context) {
	var req SetPeerLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	limit, err := s.paykit.SetPeerLimit(c.Request.Context(), c.Param("peer"), *req.LimitSats)
	if err != nil {
		s.writeError(c, err, "set peer limit")
		return
	}
	c.JSON(http.StatusOK, limit)
}

func (s *HTTPServer) listRequests(c *gin.Context) {
	status := models.PaymentRequestStatus(c.Query("status"))
	requests, err := s.paykit.PaymentRequests(c.Request.Context(), status)
	if err != nil {
		s.writeError(c, err, "list payment requests")
		return
	}
	c.JSON(http.StatusOK, requests)
}

func (s *HTTPServer) listSubscriptions(c *gin.Context) {
	subs, err := s.paykit.Subscriptions(c.Request.Context())
	if err != nil {
		s.writeError(c, err, "list subscriptions")
		return
	}
	c.JSON(http.StatusOK, subs)
}

// triggerCycle runs a cycle synchronously and reports when it is done.
func (s *HTTPServer) triggerCycle(c *gin.Context) {
	kind := c.Param("kind")
	if err := s.paykit.TriggerCycle(c.Request.Context(), kind); err != nil {
		s.writeError(c, err, "run "+kind+" cycle")
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycle": kind, "status": "completed"})
}
