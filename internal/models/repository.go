package models

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("record not found")

// AutoPayConfigStore persists settings, peer limits and rules.
type AutoPayConfigStore interface {
	GetSettings(ctx context.Context) (*AutoPaySettings, error)
	GetPeerLimits(ctx context.Context) ([]PeerSpendingLimit, error)
	GetRules(ctx context.Context) ([]AutoPayRule, error)
	PersistSettings(ctx context.Context, settings *AutoPaySettings) error
	PersistPeerLimits(ctx context.Context, limits []PeerSpendingLimit) error
	SaveRule(ctx context.Context, rule *AutoPayRule) error
	DeleteRule(ctx context.Context, id string) error
}

// SubscriptionStore persists recurring subscriptions.
type SubscriptionStore interface {
	GetActiveSubscriptions(ctx context.Context) ([]Subscription, error)
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
	// CreateSubscription inserts a subscription; it reports false when the id already exists.
	CreateSubscription(ctx context.Context, sub *Subscription) (bool, error)
	RecordSubscriptionPayment(ctx context.Context, id string, receipt *ExecutionReceipt, paidAt time.Time) error
	AdvanceNextPaymentAt(ctx context.Context, id string, next time.Time) error
}

// PaymentRequestStore persists discovered payment requests.
type PaymentRequestStore interface {
	GetPaymentRequest(ctx context.Context, fromPubkey, id string) (*PaymentRequest, error)
	// InsertPaymentRequestIfAbsent never overwrites; it reports whether a row was inserted.
	InsertPaymentRequestIfAbsent(ctx context.Context, request *PaymentRequest) (bool, error)
	UpdatePaymentRequestStatus(ctx context.Context, fromPubkey, id string, status PaymentRequestStatus) error
	DeletePaymentRequest(ctx context.Context, fromPubkey, id string) error
	ListPaymentRequests(ctx context.Context, status PaymentRequestStatus) ([]PaymentRequest, error)
	// ExpirePendingRequests marks pending incoming requests expired when they
	// were created before createdBefore or their own expiry is at or before now.
	ExpirePendingRequests(ctx context.Context, now, createdBefore time.Time) (int64, error)
}

// SeenRequestStore persists the (identity, request id) seen-set.
type SeenRequestStore interface {
	HasSeen(ctx context.Context, identityPubkey, requestID string) (bool, error)
	MarkSeen(ctx context.Context, identityPubkey, requestID string) error
	UnmarkSeen(ctx context.Context, identityPubkey, requestID string) error
}

// ReceiptStore persists payment receipts.
type ReceiptStore interface {
	SaveReceipt(ctx context.Context, receipt *PaymentReceipt) error
}

// LeaseState is the result of a lease acquisition attempt.
type LeaseState int

const (
	// LeaseHeld means another instance owns an unexpired lease.
	LeaseHeld LeaseState = iota
	// LeaseRenewed means the caller already owned the lease and extended it.
	LeaseRenewed
	// LeaseAcquired means the caller took a free or expired lease.
	LeaseAcquired
)

// LockStore hands out expiring leases.
type LockStore interface {
	AcquireLock(ctx context.Context, name, instanceID string, ttl time.Duration) (LeaseState, error)
	ReleaseLock(ctx context.Context, name, instanceID string) error
}

// Repository is the full persistence surface of the daemon.
type Repository interface {
	AutoPayConfigStore
	SubscriptionStore
	PaymentRequestStore
	SeenRequestStore
	ReceiptStore
	LockStore

	Close() error
}
