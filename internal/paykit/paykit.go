// Package paykit runs the autopay cycles and serves the admin operations.
//
// Two loops run side by side: the subscription cycle and the peer discovery
// cycle. A cycle that fails is retried with backoff up to MaxCycleFailures
// consecutive times; after that the failure is reported and the loop waits for
// its next tick. A third loop expires stale pending requests.
package paykit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/discovery"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/models"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/scheduler"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/clock"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/logger"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/validation"
)

const (
	CycleSubscriptions = "subscriptions"
	CycleDiscovery     = "discovery"

	// cycleLockName is the lease every cycle renews before spending.
	cycleLockName = "paykit-cycles"

	DefaultMaxCycleFailures = 3
	DefaultRetryBackoff     = 2 * time.Second
	DefaultRequestTTL       = 7 * 24 * time.Hour
	DefaultSweepInterval    = 5 * time.Minute

	maxRetryBackoff = 30 * time.Second
)

var (
	ErrUnknownCycle = errors.New("unknown cycle")
	ErrCycleRunning = errors.New("cycle already running")
	// ErrLockHeld is returned when another instance holds the cycle lease.
	ErrLockHeld = errors.New("cycle lease held by another instance")
	// ErrInvalidInput wraps admin input validation failures.
	ErrInvalidInput = errors.New("invalid input")
)

// Ledger is the part of the spending ledger the runner reloads and the
// admin surface changes.
type Ledger interface {
	Load(ctx context.Context) error
	Snapshot(ctx context.Context) (*models.AutoPaySettings, map[string]models.PeerSpendingLimit)
	UpdateSettings(ctx context.Context, enabled *bool, globalDailyLimitSats *uint64) (*models.AutoPaySettings, error)
	SetPeerLimit(ctx context.Context, peerPubkey string, limitSats uint64) (*models.PeerSpendingLimit, error)
	EnsurePeerLimit(ctx context.Context, peerPubkey string, limitSats uint64) error
}

type SubscriptionCycle interface {
	RunCycle(ctx context.Context) (scheduler.Report, error)
}

type DiscoveryCycle interface {
	Run(ctx context.Context) (discovery.Report, error)
}

type Options struct {
	// InstanceID identifies this process in the cycle lease. Generated when empty.
	InstanceID           string
	SubscriptionInterval time.Duration
	PeerPollInterval     time.Duration
	MaxCycleFailures     int
	RetryBackoff         time.Duration
	RequestTTL           time.Duration
	SweepInterval        time.Duration
	// LockTTL defaults to twice the longer cycle interval.
	LockTTL time.Duration
}

// Paykit is the daemon's application core.
type Paykit struct {
	logger *logger.Logger
	opts   Options

	repo          models.Repository
	ledger        Ledger
	subscriptions SubscriptionCycle
	discovery     DiscoveryCycle
	notificator   models.NotificationService
	clock         clock.Clock

	running map[string]*sync.Mutex

	// leaseMu guards ledgerFresh, which is true while the in-memory ledger
	// matches the store under a lease this instance has held continuously.
	leaseMu     sync.Mutex
	ledgerFresh bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPaykit creates a new Paykit instance
func NewPaykit(
	repo models.Repository,
	ledger Ledger,
	subscriptions SubscriptionCycle,
	discovery DiscoveryCycle,
	notificator models.NotificationService,
	clk clock.Clock,
	logger *logger.Logger,
	opts Options,
) *Paykit {
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.New().String()
	}
	if opts.MaxCycleFailures < 1 {
		opts.MaxCycleFailures = DefaultMaxCycleFailures
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.RequestTTL <= 0 {
		opts.RequestTTL = DefaultRequestTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * max(opts.SubscriptionInterval, opts.PeerPollInterval, time.Minute)
	}

	return &Paykit{
		logger:        logger,
		opts:          opts,
		repo:          repo,
		ledger:        ledger,
		subscriptions: subscriptions,
		discovery:     discovery,
		notificator:   notificator,
		clock:         clk,
		running: map[string]*sync.Mutex{
			CycleSubscriptions: {},
			CycleDiscovery:     {},
		},
	}
}

// Start launches the cycle loops and returns. Stop ends them.
func (p *Paykit) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Info("Starting autopay cycles",
		"instance", p.opts.InstanceID,
		"subscription_interval", p.opts.SubscriptionInterval,
		"peer_poll_interval", p.opts.PeerPollInterval)

	p.wg.Add(3)
	go func() {
		defer p.wg.Done()
		p.loop(ctx, CycleSubscriptions, p.opts.SubscriptionInterval)
	}()
	go func() {
		defer p.wg.Done()
		p.loop(ctx, CycleDiscovery, p.opts.PeerPollInterval)
	}()
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.sweepExpired(ctx)
			}
		}
	}()
}

// Stop cancels the loops, waits for running cycles and gives up the lease.
func (p *Paykit) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.leaseMu.Lock()
	p.ledgerFresh = false
	p.leaseMu.Unlock()
	if err := p.repo.ReleaseLock(ctx, cycleLockName, p.opts.InstanceID); err != nil {
		p.logger.Warn("Failed to release cycle lease", "error", err)
	}
	p.logger.Info("Autopay cycles stopped")
}

func (p *Paykit) loop(ctx context.Context, kind string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.runWithRetry(ctx, kind)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runWithRetry runs one scheduled cycle, retrying consecutive failures with
// capped exponential backoff.
func (p *Paykit) runWithRetry(ctx context.Context, kind string) {
	backoff := p.opts.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := p.runCycle(ctx, kind)
		switch {
		case err == nil:
			return
		case errors.Is(err, ErrCycleRunning), errors.Is(err, ErrLockHeld):
			p.logger.Debug("Skipping cycle", "cycle", kind, "reason", err)
			return
		case ctx.Err() != nil:
			return
		}

		if attempt >= p.opts.MaxCycleFailures {
			p.logger.Error("Cycle failed, giving up until next tick", "cycle", kind, "attempts", attempt, "error", err)
			p.notificator.SendCycleFailure(kind, err)
			return
		}
		p.logger.Warn("Cycle failed, retrying", "cycle", kind, "attempt", attempt, "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
}

// runCycle runs one cycle of the given kind under the cycle lease.
func (p *Paykit) runCycle(ctx context.Context, kind string) error {
	mu, ok := p.running[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCycle, kind)
	}
	if !mu.TryLock() {
		return ErrCycleRunning
	}
	defer mu.Unlock()

	if err := p.holdLease(ctx); err != nil {
		return err
	}

	start := p.clock.Now()
	switch kind {
	case CycleSubscriptions:
		report, err := p.subscriptions.RunCycle(ctx)
		if err != nil {
			return err
		}
		p.logger.Info("Subscription cycle finished",
			"due", report.Due, "upcoming", report.Upcoming, "paid", report.Paid,
			"unpaid", report.Unpaid, "elapsed", p.clock.Now().Sub(start))
	case CycleDiscovery:
		report, err := p.discovery.Run(ctx)
		if err != nil {
			return err
		}
		p.logger.Info("Discovery cycle finished",
			"peers", report.Peers, "failed_fetches", report.FailedFetches, "new", report.New,
			"persisted", report.Persisted, "expired", report.Expired, "elapsed", p.clock.Now().Sub(start))
	}
	return nil
}

// holdLease takes or renews the cycle lease. The in-memory ledger is only
// valid while the lease is held without a gap, so a newly taken lease
// reloads it from the store.
func (p *Paykit) holdLease(ctx context.Context) error {
	p.leaseMu.Lock()
	defer p.leaseMu.Unlock()

	state, err := p.repo.AcquireLock(ctx, cycleLockName, p.opts.InstanceID, p.opts.LockTTL)
	if err != nil {
		return err
	}
	switch state {
	case models.LeaseHeld:
		p.ledgerFresh = false
		return ErrLockHeld
	case models.LeaseAcquired:
		p.ledgerFresh = false
	}

	if !p.ledgerFresh {
		if err := p.ledger.Load(ctx); err != nil {
			return fmt.Errorf("failed to reload spending ledger: %w", err)
		}
		p.ledgerFresh = true
		p.logger.Info("Spending ledger reloaded under new lease", "instance", p.opts.InstanceID)
	}
	return nil
}

// sweepExpired marks pending incoming requests expired once they outlive
// RequestTTL or their own expiry.
func (p *Paykit) sweepExpired(ctx context.Context) {
	now := p.clock.Now()
	n, err := p.repo.ExpirePendingRequests(ctx, now, now.Add(-p.opts.RequestTTL))
	if err != nil {
		p.logger.Error("Failed to expire pending requests", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("Expired pending requests", "count", n)
	}
}

// TriggerCycle runs one cycle now, without retry.
func (p *Paykit) TriggerCycle(ctx context.Context, cycle string) error {
	return p.runCycle(ctx, cycle)
}

func (p *Paykit) Settings(ctx context.Context) (*models.AutoPaySettings, error) {
	settings, _ := p.ledger.Snapshot(ctx)
	if settings == nil {
		return nil, models.ErrNotFound
	}
	return settings, nil
}

// UpdateSettings changes the autopay switch or global limit. Like every write
// to spend state it needs the cycle lease and fails with ErrLockHeld while
// another instance holds it.
func (p *Paykit) UpdateSettings(ctx context.Context, enabled *bool, globalDailyLimitSats *uint64) (*models.AutoPaySettings, error) {
	if enabled == nil && globalDailyLimitSats == nil {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	if err := p.holdLease(ctx); err != nil {
		return nil, err
	}
	settings, err := p.ledger.UpdateSettings(ctx, enabled, globalDailyLimitSats)
	if err != nil {
		return nil, err
	}
	p.logger.Info("Autopay settings updated", "enabled", settings.Enabled, "global_daily_limit_sats", settings.GlobalDailyLimitSats)
	return settings, nil
}

func (p *Paykit) Rules(ctx context.Context) ([]models.AutoPayRule, error) {
	return p.repo.GetRules(ctx)
}

// SaveRule validates and stores a rule. A new rule gets an id and creation
// time; when peerLimitSats is non-zero the peer gets that limit unless it
// already has one.
func (p *Paykit) SaveRule(ctx context.Context, rule *models.AutoPayRule, peerLimitSats uint64) error {
	if strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("%w: rule name is required", ErrInvalidInput)
	}
	peer, err := validation.ValidateAndNormalizePubkey(rule.PeerPubkey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	rule.PeerPubkey = peer
	for _, m := range rule.AllowedMethods {
		if err := validation.ValidateMethodID(m); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = p.clock.Now()
	}

	if peerLimitSats > 0 {
		if err := p.holdLease(ctx); err != nil {
			return err
		}
	}

	if err := p.repo.SaveRule(ctx, rule); err != nil {
		return err
	}
	if peerLimitSats > 0 {
		if err := p.ledger.EnsurePeerLimit(ctx, peer, peerLimitSats); err != nil {
			return err
		}
	}
	p.logger.Info("Autopay rule saved", "id", rule.ID, "name", rule.Name, "peer", peer)
	return nil
}

func (p *Paykit) DeleteRule(ctx context.Context, id string) error {
	if err := p.repo.DeleteRule(ctx, id); err != nil {
		return err
	}
	p.logger.Info("Autopay rule deleted", "id", id)
	return nil
}

// PeerLimits returns the live peer limits, sorted by peer.
func (p *Paykit) PeerLimits(ctx context.Context) ([]models.PeerSpendingLimit, error) {
	_, limits := p.ledger.Snapshot(ctx)
	out := make([]models.PeerSpendingLimit, 0, len(limits))
	for _, l := range limits {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerPubkey < out[j].PeerPubkey })
	return out, nil
}

func (p *Paykit) SetPeerLimit(ctx context.Context, peerPubkey string, limitSats uint64) (*models.PeerSpendingLimit, error) {
	peer, err := validation.ValidateAndNormalizePubkey(peerPubkey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := p.holdLease(ctx); err != nil {
		return nil, err
	}
	return p.ledger.SetPeerLimit(ctx, peer, limitSats)
}

func (p *Paykit) PaymentRequests(ctx context.Context, status models.PaymentRequestStatus) ([]models.PaymentRequest, error) {
	switch status {
	case "", models.PaymentRequestPending, models.PaymentRequestApproved, models.PaymentRequestDenied,
		models.PaymentRequestPaid, models.PaymentRequestExpired:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	return p.repo.ListPaymentRequests(ctx, status)
}

func (p *Paykit) Subscriptions(ctx context.Context) ([]models.Subscription, error) {
	return p.repo.ListSubscriptions(ctx)
}
