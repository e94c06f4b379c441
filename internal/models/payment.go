package models

import (
	"time"
)

type PaymentRequestStatus string

const (
	PaymentRequestPending  PaymentRequestStatus = "pending"
	PaymentRequestApproved PaymentRequestStatus = "approved"
	PaymentRequestDenied   PaymentRequestStatus = "denied"
	PaymentRequestPaid     PaymentRequestStatus = "paid"
	PaymentRequestExpired  PaymentRequestStatus = "expired"
)

type PaymentDirection string

const (
	DirectionIncoming PaymentDirection = "incoming"
	DirectionOutgoing PaymentDirection = "outgoing"
)

// PaymentRequest is the local record of a request discovered on a peer's storage.
// The request itself stays on the sender's storage; only the status is tracked here.
type PaymentRequest struct {
	// ID is the remote request id. It is only unique per sender.
	ID          string               `json:"id" gorm:"column:id;primaryKey;size:128"`
	FromPubkey  string               `json:"from_pubkey" gorm:"column:from_pubkey;primaryKey;size:128"`
	ToPubkey    string               `json:"to_pubkey" gorm:"column:to_pubkey;index"`
	AmountSats  uint64               `json:"amount_sats" gorm:"column:amount_sats"`
	Currency    string               `json:"currency" gorm:"column:currency"`
	MethodID    string               `json:"method_id" gorm:"column:method_id"`
	Description string               `json:"description" gorm:"column:description"`
	Status      PaymentRequestStatus `json:"status" gorm:"column:status;index;not null"`
	Direction   PaymentDirection     `json:"direction" gorm:"column:direction;not null"`
	CreatedAt   time.Time            `json:"created_at" gorm:"column:created_at;index"`
	ExpiresAt   *time.Time           `json:"expires_at,omitempty" gorm:"column:expires_at"`
	UpdatedAt   time.Time            `json:"updated_at" gorm:"column:updated_at"`
}

func (PaymentRequest) TableName() string {
	return "payment_requests"
}

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPaused    SubscriptionStatus = "paused"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// Subscription is a recurring charge owed to a provider.
type Subscription struct {
	ID             string `json:"id" gorm:"column:id;primaryKey;size:128"`
	ProviderPubkey string `json:"provider_pubkey" gorm:"column:provider_pubkey;index;not null"`
	AmountSats     uint64 `json:"amount_sats" gorm:"column:amount_sats"`
	Currency       string `json:"currency" gorm:"column:currency"`
	MethodID       string `json:"method_id" gorm:"column:method_id"`
	Description    string `json:"description" gorm:"column:description"`
	// FrequencySeconds is the interval between charges.
	FrequencySeconds int64              `json:"frequency_seconds" gorm:"column:frequency_seconds"`
	NextPaymentAt    *time.Time         `json:"next_payment_at,omitempty" gorm:"column:next_payment_at;index"`
	Status           SubscriptionStatus `json:"status" gorm:"column:status;index;not null"`
	LastPaymentAt    *time.Time         `json:"last_payment_at,omitempty" gorm:"column:last_payment_at"`
	LastPaymentHash  string             `json:"last_payment_hash,omitempty" gorm:"column:last_payment_hash"`
	CreatedAt        time.Time          `json:"created_at" gorm:"column:created_at"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// Frequency returns the charge interval as a duration.
func (s *Subscription) Frequency() time.Duration {
	return time.Duration(s.FrequencySeconds) * time.Second
}

// SeenRequest marks a discovered request or proposal as already surfaced.
type SeenRequest struct {
	IdentityPubkey string    `gorm:"column:identity_pubkey;primaryKey;size:128"`
	RequestID      string    `gorm:"column:request_id;primaryKey;size:256"`
	SeenAt         time.Time `gorm:"column:seen_at"`
}

func (SeenRequest) TableName() string {
	return "seen_requests"
}

// PaymentReceipt is persisted after every successful autopayment.
type PaymentReceipt struct {
	// ID is the correlation id of the intent that produced the payment.
	ID                string       `json:"id" gorm:"column:id;primaryKey;size:64"`
	Source            IntentSource `json:"source" gorm:"column:source;index"`
	PeerPubkey        string       `json:"peer_pubkey" gorm:"column:peer_pubkey;index"`
	AmountSats        uint64       `json:"amount_sats" gorm:"column:amount_sats"`
	MethodID          string       `json:"method_id" gorm:"column:method_id"`
	RuleID            string       `json:"rule_id" gorm:"column:rule_id"`
	RequestID         string       `json:"request_id,omitempty" gorm:"column:request_id;index"`
	SubscriptionID    string       `json:"subscription_id,omitempty" gorm:"column:subscription_id;index"`
	PaymentHash       string       `json:"payment_hash" gorm:"column:payment_hash"`
	Preimage          string       `json:"preimage" gorm:"column:preimage"`
	FeeSats           uint64       `json:"fee_sats" gorm:"column:fee_sats"`
	ExecutorPaymentID string       `json:"executor_payment_id" gorm:"column:executor_payment_id"`
	PaidAt            time.Time    `json:"paid_at" gorm:"column:paid_at;index"`
}

func (PaymentReceipt) TableName() string {
	return "payment_receipts"
}
