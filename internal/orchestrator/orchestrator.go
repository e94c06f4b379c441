package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/autopay"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/ledger"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/models"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/clock"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/logger"
)

const (
	// DefaultPaymentTimeout bounds one executor call.
	DefaultPaymentTimeout = 45 * time.Second

	// DefaultNodeReadyTimeout bounds the wait for the payment node before a batch.
	DefaultNodeReadyTimeout = 60 * time.Second

	// DetailNodeNotReady is reported for every intent of a batch the node could not serve.
	DetailNodeNotReady = "node not ready"

	// DetailRulesUnavailable is reported when the rule set cannot be read.
	DetailRulesUnavailable = "autopay rules unavailable"

	// DetailLedgerUnavailable is reported when the ledger cannot confirm a reservation.
	DetailLedgerUnavailable = "spending ledger unavailable"
)

// ErrNodeNotReady is returned by ProcessBatch when the payment node did not
// become ready in time. Every intent of the batch has been reported failed.
var ErrNodeNotReady = errors.New("payment node not ready")

// Ledger is the subset of the spending ledger the orchestrator drives.
type Ledger interface {
	Snapshot(ctx context.Context) (*models.AutoPaySettings, map[string]models.PeerSpendingLimit)
	Reserve(ctx context.Context, peerPubkey string, amountSats uint64) (ledger.ReserveOutcome, error)
	Commit(ctx context.Context, token ledger.ReservationToken) error
	Rollback(ctx context.Context, token ledger.ReservationToken) error
}

// RuleSource supplies the ordered rule list.
type RuleSource interface {
	GetRules(ctx context.Context) ([]models.AutoPayRule, error)
}

// Result is the terminal outcome of one intent.
type Result struct {
	Intent  models.PaymentIntent
	Outcome models.Outcome
	Detail  string
	Receipt *models.PaymentReceipt
}

// Options configures an Orchestrator.
type Options struct {
	PaymentTimeout   time.Duration
	NodeReadyTimeout time.Duration
}

// Orchestrator sequences evaluate, reserve, execute, commit or rollback, and
// receipt persistence for every intent. It is shared by the discovery
// pipeline and the subscription scheduler so both spend against one ledger.
type Orchestrator struct {
	logger *logger.Logger
	clock  clock.Clock

	ledger        Ledger
	rules         RuleSource
	executor      models.PaymentExecutor
	notificator   models.NotificationService
	receipts      models.ReceiptStore
	subscriptions models.SubscriptionStore
	requests      models.PaymentRequestStore

	paymentTimeout   time.Duration
	nodeReadyTimeout time.Duration
}

func NewOrchestrator(
	ledger Ledger,
	rules RuleSource,
	executor models.PaymentExecutor,
	notificator models.NotificationService,
	receipts models.ReceiptStore,
	subscriptions models.SubscriptionStore,
	requests models.PaymentRequestStore,
	clk clock.Clock,
	logger *logger.Logger,
	opts Options,
) *Orchestrator {
	if opts.PaymentTimeout <= 0 {
		opts.PaymentTimeout = DefaultPaymentTimeout
	}
	if opts.NodeReadyTimeout <= 0 {
		opts.NodeReadyTimeout = DefaultNodeReadyTimeout
	}
	return &Orchestrator{
		logger:           logger,
		clock:            clk,
		ledger:           ledger,
		rules:            rules,
		executor:         executor,
		notificator:      notificator,
		receipts:         receipts,
		subscriptions:    subscriptions,
		requests:         requests,
		paymentTimeout:   opts.PaymentTimeout,
		nodeReadyTimeout: opts.NodeReadyTimeout,
	}
}

// ProcessBatch waits for the payment node, then processes every intent.
// When the node is not ready every intent is reported failed and
// ErrNodeNotReady is returned so the cycle can be retried.
func (o *Orchestrator) ProcessBatch(ctx context.Context, intents []models.PaymentIntent) ([]Result, error) {
	if len(intents) == 0 {
		return nil, nil
	}

	if needsExecutor(intents) {
		readyCtx, cancel := context.WithTimeout(ctx, o.nodeReadyTimeout)
		err := o.executor.WaitReady(readyCtx)
		cancel()
		if err != nil {
			o.logger.Warn("Payment node not ready", "error", err, "intents", len(intents))
			results := make([]Result, 0, len(intents))
			for _, intent := range intents {
				results = append(results, o.report(intent, models.OutcomeFailed, DetailNodeNotReady, nil))
			}
			return results, fmt.Errorf("%w: %v", ErrNodeNotReady, err)
		}
	}

	rules, err := o.rules.GetRules(ctx)
	results := make([]Result, 0, len(intents))
	for _, intent := range intents {
		if err != nil {
			results = append(results, o.rulesUnavailable(intent, err))
			continue
		}
		results = append(results, o.process(ctx, intent, rules))
	}
	return results, nil
}

// Process runs a single intent through the pipeline.
func (o *Orchestrator) Process(ctx context.Context, intent models.PaymentIntent) Result {
	rules, err := o.rules.GetRules(ctx)
	if err != nil {
		return o.rulesUnavailable(intent, err)
	}
	return o.process(ctx, intent, rules)
}

// rulesUnavailable denies an intent whose rule set could not be read.
func (o *Orchestrator) rulesUnavailable(intent models.PaymentIntent, err error) Result {
	o.logger.Error("Failed to load autopay rules", "error", err, "correlation_id", intent.CorrelationID)
	return o.report(intent, models.OutcomeDenied, DetailRulesUnavailable, nil)
}

func (o *Orchestrator) process(ctx context.Context, intent models.PaymentIntent, rules []models.AutoPayRule) Result {
	settings, limits := o.ledger.Snapshot(ctx)
	decision := autopay.Evaluate(intent.PeerPubkey, intent.AmountSats, intent.MethodID, settings, limits, rules)

	switch d := decision.(type) {
	case autopay.Denied:
		o.markRequest(ctx, intent, models.PaymentRequestDenied)
		return o.report(intent, models.OutcomeDenied, d.Reason, nil)
	case autopay.NeedsApproval:
		return o.report(intent, models.OutcomeNeedsApproval, "", nil)
	case autopay.Approved:
		if intent.Source == models.SourceSubscriptionProposal {
			return o.acceptProposal(ctx, intent, d)
		}
		return o.pay(ctx, intent, d)
	default:
		return o.report(intent, models.OutcomeDenied, fmt.Sprintf("unknown decision %T", decision), nil)
	}
}

func (o *Orchestrator) pay(ctx context.Context, intent models.PaymentIntent, approved autopay.Approved) Result {
	outcome, err := o.ledger.Reserve(ctx, intent.PeerPubkey, intent.AmountSats)
	if err != nil {
		o.logger.Error("Failed to reserve spend", "error", err, "correlation_id", intent.CorrelationID)
		return o.report(intent, models.OutcomeDenied, DetailLedgerUnavailable, nil)
	}

	var token ledger.ReservationToken
	switch r := outcome.(type) {
	case ledger.ReserveDenied:
		o.markRequest(ctx, intent, models.PaymentRequestDenied)
		return o.report(intent, models.OutcomeDenied, r.Reason, nil)
	case ledger.Reserved:
		token = r.Token
	default:
		return o.report(intent, models.OutcomeDenied, fmt.Sprintf("unknown reservation outcome %T", outcome), nil)
	}

	execCtx, cancel := context.WithTimeout(ctx, o.paymentTimeout)
	result := o.executor.Execute(execCtx, intent.Recipient(), intent.AmountSats, intent.PeerPubkey)
	cancel()

	if !result.Success {
		if err := o.ledger.Rollback(ctx, token); err != nil {
			o.logger.Error("Failed to roll back reservation", "error", err, "token", token)
		}
		detail := "payment failed"
		if result.Error != nil && result.Error.Message != "" {
			detail = result.Error.Message
		}
		o.logger.Warn("Payment execution failed", "correlation_id", intent.CorrelationID, "peer", intent.PeerPubkey, "reason", detail)
		return o.report(intent, models.OutcomeFailed, detail, nil)
	}

	if err := o.ledger.Commit(ctx, token); err != nil {
		// The money moved; the counters already include it.
		o.logger.Error("Failed to commit reservation", "error", err, "token", token)
	}

	receipt := o.persistReceipt(ctx, intent, approved, result.Receipt)
	return o.report(intent, models.OutcomeSucceeded, "rule "+approved.RuleName, receipt)
}

func (o *Orchestrator) persistReceipt(ctx context.Context, intent models.PaymentIntent, approved autopay.Approved, exec *models.ExecutionReceipt) *models.PaymentReceipt {
	now := o.clock.Now()
	receipt := &models.PaymentReceipt{
		ID:             intent.CorrelationID,
		Source:         intent.Source,
		PeerPubkey:     intent.PeerPubkey,
		AmountSats:     intent.AmountSats,
		MethodID:       intent.Method(),
		RuleID:         approved.RuleID,
		RequestID:      intent.RequestID,
		SubscriptionID: intent.SubscriptionID,
		PaidAt:         now,
	}
	if exec != nil {
		receipt.PaymentHash = exec.PaymentHash
		receipt.Preimage = exec.Preimage
		receipt.FeeSats = exec.FeeSats
		receipt.ExecutorPaymentID = exec.ID
	}

	if err := o.receipts.SaveReceipt(ctx, receipt); err != nil {
		o.logger.Error("Failed to save payment receipt", "error", err, "correlation_id", intent.CorrelationID)
	}

	switch intent.Source {
	case models.SourceSubscription:
		if err := o.subscriptions.RecordSubscriptionPayment(ctx, intent.SubscriptionID, exec, now); err != nil {
			o.logger.Error("Failed to record subscription payment", "error", err, "subscription", intent.SubscriptionID)
		}
	case models.SourceIncomingRequest:
		o.markRequest(ctx, intent, models.PaymentRequestPaid)
	}
	return receipt
}

// markRequest records a terminal status on the stored incoming request.
func (o *Orchestrator) markRequest(ctx context.Context, intent models.PaymentIntent, status models.PaymentRequestStatus) {
	if intent.Source != models.SourceIncomingRequest {
		return
	}
	if err := o.requests.UpdatePaymentRequestStatus(ctx, intent.PeerPubkey, intent.RequestID, status); err != nil {
		o.logger.Error("Failed to update payment request status", "error", err, "request", intent.RequestID, "status", status)
	}
}

// acceptProposal turns an approved proposal into an active subscription. The
// scheduler makes the charges, so the ledger is not touched here.
func (o *Orchestrator) acceptProposal(ctx context.Context, intent models.PaymentIntent, approved autopay.Approved) Result {
	p := intent.Proposal
	if p == nil {
		return o.report(intent, models.OutcomeDenied, "proposal payload missing", nil)
	}
	if p.FrequencySeconds <= 0 {
		return o.report(intent, models.OutcomeNeedsApproval, "proposal has no valid frequency", nil)
	}

	now := o.clock.Now()
	next := now
	if p.StartAt != nil && p.StartAt.After(now) {
		next = *p.StartAt
	}
	sub := &models.Subscription{
		ID:               p.ProposalID,
		ProviderPubkey:   intent.PeerPubkey,
		AmountSats:       p.AmountSats,
		Currency:         p.Currency,
		MethodID:         p.MethodID,
		Description:      p.Description,
		FrequencySeconds: p.FrequencySeconds,
		NextPaymentAt:    &next,
		Status:           models.SubscriptionActive,
		CreatedAt:        now,
	}

	created, err := o.subscriptions.CreateSubscription(ctx, sub)
	if err != nil {
		o.logger.Error("Failed to create subscription from proposal", "error", err, "proposal", p.ProposalID)
		return o.report(intent, models.OutcomeFailed, "could not store subscription", nil)
	}
	if !created {
		o.logger.Debug("Subscription already exists for proposal", "proposal", p.ProposalID)
	}
	return o.report(intent, models.OutcomeApproved, "subscription accepted by rule "+approved.RuleName, nil)
}

// report emits exactly one notification for the intent and returns its result.
func (o *Orchestrator) report(intent models.PaymentIntent, outcome models.Outcome, detail string, receipt *models.PaymentReceipt) Result {
	o.logger.Info("Intent processed",
		"correlation_id", intent.CorrelationID,
		"source", intent.Source,
		"peer", intent.PeerPubkey,
		"amount_sats", intent.AmountSats,
		"outcome", outcome,
		"detail", detail)

	o.notificator.SendNotification(&models.NotificationEvent{
		Intent:  intent,
		Outcome: outcome,
		Detail:  detail,
		At:      o.clock.Now(),
	})
	return Result{Intent: intent, Outcome: outcome, Detail: detail, Receipt: receipt}
}

// needsExecutor reports whether any intent may reach the executor.
func needsExecutor(intents []models.PaymentIntent) bool {
	for _, intent := range intents {
		if intent.Source != models.SourceSubscriptionProposal {
			return true
		}
	}
	return false
}
