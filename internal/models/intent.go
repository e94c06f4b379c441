package models

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// IntentSource tells where a payment intent came from.
type IntentSource string

const (
	SourceSubscription         IntentSource = "subscription"
	SourceIncomingRequest      IntentSource = "incoming_request"
	SourceSubscriptionProposal IntentSource = "subscription_proposal"
)

// PaymentIntent is a candidate payment on its way through evaluation and execution.
// It is never persisted.
type PaymentIntent struct {
	CorrelationID string
	PeerPubkey    string
	AmountSats    uint64
	// MethodID is nil when the payer may pick any method.
	MethodID *string
	Source   IntentSource

	// Exactly one of these is set, depending on Source.
	RequestID      string
	SubscriptionID string
	Proposal       *RawProposal

	// Endpoint is an optional recipient hint (invoice, offer, address) carried by the request.
	Endpoint string
}

// Method returns the method id or an empty string.
func (i *PaymentIntent) Method() string {
	if i.MethodID == nil {
		return ""
	}
	return *i.MethodID
}

// Recipient derives the descriptor handed to the payment executor.
func (i *PaymentIntent) Recipient() RecipientDescriptor {
	return RecipientDescriptor{
		PeerPubkey: i.PeerPubkey,
		MethodID:   i.Method(),
		Endpoint:   i.Endpoint,
	}
}

// RawPaymentRequest is a payment request as published on a peer's storage.
type RawPaymentRequest struct {
	RequestID   string     `json:"request_id"`
	FromPubkey  string     `json:"from_pubkey"`
	ToPubkey    string     `json:"to_pubkey"`
	AmountSats  uint64     `json:"amount_sats"`
	Currency    string     `json:"currency"`
	MethodID    string     `json:"method_id"`
	Description string     `json:"description"`
	Endpoint    string     `json:"endpoint,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// RawProposal is a subscription proposal as published on a provider's storage.
type RawProposal struct {
	ProposalID       string     `json:"proposal_id"`
	ProviderPubkey   string     `json:"provider_pubkey"`
	SubscriberPubkey string     `json:"subscriber_pubkey"`
	AmountSats       uint64     `json:"amount_sats"`
	Currency         string     `json:"currency"`
	MethodID         string     `json:"method_id"`
	Description      string     `json:"description"`
	FrequencySeconds int64      `json:"frequency_seconds"`
	StartAt          *time.Time `json:"start_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// RecipientDescriptor tells the executor where to send a payment.
type RecipientDescriptor struct {
	PeerPubkey string `json:"peer_pubkey"`
	MethodID   string `json:"method_id,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
}

// ExecutionReceipt is returned by the executor for a settled payment.
type ExecutionReceipt struct {
	PaymentHash string `json:"payment_hash"`
	Preimage    string `json:"preimage"`
	FeeSats     uint64 `json:"fee_sats"`
	ID          string `json:"id"`
}

// ExecutionError describes why the executor could not pay.
type ExecutionError struct {
	Message     string `json:"message"`
	IsRetryable bool   `json:"retryable"`
}

func (e *ExecutionError) Error() string {
	return e.Message
}

// ExecutionResult is the outcome of one executor call.
type ExecutionResult struct {
	Success bool              `json:"success"`
	Receipt *ExecutionReceipt `json:"receipt,omitempty"`
	Error   *ExecutionError   `json:"error,omitempty"`
}

// Outcome is the terminal state reported for an intent.
type Outcome string

const (
	OutcomeApproved      Outcome = "approved"
	OutcomeDenied        Outcome = "denied"
	OutcomeNeedsApproval Outcome = "needs_approval"
	OutcomeSucceeded     Outcome = "succeeded"
	OutcomeFailed        Outcome = "failed"
)

// NotificationEvent is the shape handed to the notification sink.
type NotificationEvent struct {
	Intent  PaymentIntent
	Outcome Outcome
	Detail  string
	At      time.Time
}

func (e *NotificationEvent) String() string {
	var headline string
	switch e.Outcome {
	case OutcomeSucceeded:
		headline = "Paid"
	case OutcomeFailed:
		headline = "Payment failed"
	case OutcomeDenied:
		headline = "AutoPay denied"
	case OutcomeNeedsApproval:
		headline = "Approval needed"
	case OutcomeApproved:
		headline = "AutoPay approved"
	default:
		headline = string(e.Outcome)
	}

	msg := fmt.Sprintf("%s: %s to %s (%s)", headline, FormatSats(e.Intent.AmountSats), e.Intent.PeerPubkey, e.Intent.Source)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

var satsPerBTC = decimal.New(1, 8)

// SatsToBTC converts satoshis to an exact BTC amount.
func SatsToBTC(sats uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(sats), 0).Div(satsPerBTC)
}

// FormatSats renders an amount as "1500 sats (0.000015 BTC)".
func FormatSats(sats uint64) string {
	return fmt.Sprintf("%d sats (%s BTC)", sats, SatsToBTC(sats).String())
}
