package models

import (
	"context"
)

// Directory reads peer-published data. Every call is independently fallible.
type Directory interface {
	ListFollows(ctx context.Context, ownerPubkey string) ([]string, error)
	FetchPendingRequests(ctx context.Context, peerPubkey, ownerPubkey string) ([]RawPaymentRequest, error)
	FetchPendingProposals(ctx context.Context, peerPubkey, ownerPubkey string) ([]RawProposal, error)
}

// PaymentExecutor pays. It is called at most once per orchestrator attempt.
type PaymentExecutor interface {
	Execute(ctx context.Context, recipient RecipientDescriptor, amountSats uint64, peerPubkey string) ExecutionResult
	// WaitReady blocks until the payment node can pay or ctx is done.
	WaitReady(ctx context.Context) error
}

// NotificationService receives every terminal intent outcome and scheduling notices.
type NotificationService interface {
	SendNotification(event *NotificationEvent)
	SendUpcoming(sub *Subscription)
	SendCycleFailure(cycle string, err error)
}

// PaykitI is the application surface used by the HTTP API.
type PaykitI interface {
	Start(ctx context.Context)
	Stop()

	Settings(ctx context.Context) (*AutoPaySettings, error)
	UpdateSettings(ctx context.Context, enabled *bool, globalDailyLimitSats *uint64) (*AutoPaySettings, error)

	Rules(ctx context.Context) ([]AutoPayRule, error)
	SaveRule(ctx context.Context, rule *AutoPayRule, peerLimitSats uint64) error
	DeleteRule(ctx context.Context, id string) error

	PeerLimits(ctx context.Context) ([]PeerSpendingLimit, error)
	SetPeerLimit(ctx context.Context, peerPubkey string, limitSats uint64) (*PeerSpendingLimit, error)

	PaymentRequests(ctx context.Context, status PaymentRequestStatus) ([]PaymentRequest, error)
	Subscriptions(ctx context.Context) ([]Subscription, error)

	TriggerCycle(ctx context.Context, cycle string) error
}

// APIServer is the HTTP front of the daemon.
type APIServer interface {
	Start()
	Shutdown() error
}
