// Package executor talks to the REST bridge of the Lightning node that pays.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/models"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/logger"
)

// ErrNodeNotReady is returned by WaitReady when the node did not report
// ready before the context ended.
var ErrNodeNotReady = errors.New("payment node not ready")

const (
	macaroonHeader = "Grpc-Metadata-macaroon"

	initialReadyBackoff = 500 * time.Millisecond
	maxReadyBackoff     = 5 * time.Second
)

type paymentRequest struct {
	PeerPubkey string `json:"peer_pubkey"`
	MethodID   string `json:"method_id,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	AmountSats uint64 `json:"amount_sats"`
}

type statusResponse struct {
	Ready bool `json:"ready"`
}

// Client is a models.PaymentExecutor backed by HTTP.
type Client struct {
	logger   *logger.Logger
	baseURL  string
	macaroon string
	client   *http.Client
}

func NewClient(logger *logger.Logger, baseURL, macaroon string) *Client {
	return &Client{
		logger:   logger,
		baseURL:  strings.TrimRight(baseURL, "/"),
		macaroon: macaroon,
		// Per-call deadlines come from the caller's context.
		client: &http.Client{},
	}
}

// Execute makes exactly one payment attempt. Transport failures and
// timeouts are reported as retryable execution errors.
func (c *Client) Execute(ctx context.Context, recipient models.RecipientDescriptor, amountSats uint64, peerPubkey string) models.ExecutionResult {
	body, err := json.Marshal(paymentRequest{
		PeerPubkey: peerPubkey,
		MethodID:   recipient.MethodID,
		Endpoint:   recipient.Endpoint,
		AmountSats: amountSats,
	})
	if err != nil {
		return failure(fmt.Sprintf("failed to encode payment: %v", err), false)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payments", bytes.NewReader(body))
	if err != nil {
		return failure(fmt.Sprintf("failed to build payment request: %v", err), false)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return failure("payment timed out", true)
		}
		return failure(fmt.Sprintf("failed to reach payment node: %v", err), true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var result models.ExecutionResult
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &result) == nil && result.Error != nil && result.Error.Message != "" {
			result.Success = false
			return result
		}
		return failure(fmt.Sprintf("unexpected status code %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))), resp.StatusCode >= 500)
	}

	var result models.ExecutionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		// The node accepted the call; an unreadable answer may hide a settled payment.
		c.logger.Error("Failed to decode payment result", "error", err, "peer", peerPubkey)
		return failure(fmt.Sprintf("failed to decode payment result: %v", err), false)
	}
	if !result.Success && result.Error == nil {
		result.Error = &models.ExecutionError{Message: "payment failed"}
	}
	return result
}

// WaitReady polls the node status with capped exponential backoff until it
// reports ready or ctx ends.
func (c *Client) WaitReady(ctx context.Context) error {
	backoff := initialReadyBackoff
	for {
		ready, err := c.ready(ctx)
		if err == nil && ready {
			return nil
		}
		if err != nil {
			c.logger.Debug("Payment node status check failed", "error", err, "retry_in", backoff)
		}

		select {
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxReadyBackoff {
				backoff = maxReadyBackoff
			}
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrNodeNotReady, ctx.Err())
		}
	}
}

func (c *Client) ready(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/status", nil)
	if err != nil {
		return false, err
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false, fmt.Errorf("failed to decode status: %w", err)
	}
	return status.Ready, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.macaroon != "" {
		req.Header.Set(macaroonHeader, c.macaroon)
	}
}

func failure(message string, retryable bool) models.ExecutionResult {
	return models.ExecutionResult{
		Error: &models.ExecutionError{Message: message, IsRetryable: retryable},
	}
}
