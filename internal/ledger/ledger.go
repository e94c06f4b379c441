// Package ledger tracks how much has been autopaid today, globally and per peer.
//
// Every check-and-increment happens under one mutex that covers the global
// counter and all peer counters, so concurrent reservations are linearizable.
// State is written through to the store inside the same critical section.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/autopay"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/models"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/clock"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/logger"
)

var (
	// ErrInvalidToken is returned when a token is unknown, already committed or rolled back.
	ErrInvalidToken = errors.New("invalid reservation token")
	// ErrSettingsNotLoaded is returned when the ledger has no settings to check against.
	ErrSettingsNotLoaded = errors.New("autopay settings not loaded")
)

// Store is the persistence the ledger writes through to.
type Store interface {
	GetSettings(ctx context.Context) (*models.AutoPaySettings, error)
	GetPeerLimits(ctx context.Context) ([]models.PeerSpendingLimit, error)
	PersistSettings(ctx context.Context, settings *models.AutoPaySettings) error
	PersistPeerLimits(ctx context.Context, limits []models.PeerSpendingLimit) error
}

// ReservationToken identifies one provisional debit.
type ReservationToken string

// ReserveOutcome is either Reserved or ReserveDenied.
type ReserveOutcome interface {
	isReserveOutcome()
}

// Reserved means the amount was debited provisionally.
type Reserved struct {
	Token ReservationToken
}

// ReserveDenied means a limit would be exceeded. Counters are untouched.
type ReserveDenied struct {
	Reason string
}

func (Reserved) isReserveOutcome()      {}
func (ReserveDenied) isReserveOutcome() {}

type reservation struct {
	peerPubkey  string
	amountSats  uint64
	reservedAt  time.Time
	peerLimited bool
}

// SpendingLedger is the single source of truth for daily spend.
type SpendingLedger struct {
	logger *logger.Logger
	store  Store
	clock  clock.Clock

	mu           sync.Mutex
	loaded       bool
	settings     models.AutoPaySettings
	limits       map[string]*models.PeerSpendingLimit
	reservations map[ReservationToken]*reservation
}

// NewSpendingLedger creates an empty ledger. Call Load before use.
func NewSpendingLedger(store Store, clk clock.Clock, logger *logger.Logger) *SpendingLedger {
	return &SpendingLedger{
		logger:       logger,
		store:        store,
		clock:        clk,
		limits:       make(map[string]*models.PeerSpendingLimit),
		reservations: make(map[ReservationToken]*reservation),
	}
}

// Load reads settings and peer limits from the store. Missing settings are
// not an error; the ledger then stays unloaded until UpdateSettings is called.
func (l *SpendingLedger) Load(ctx context.Context) error {
	settings, err := l.store.GetSettings(ctx)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to load autopay settings: %w", err)
	}
	limits, err := l.store.GetPeerLimits(ctx)
	if err != nil {
		return fmt.Errorf("failed to load peer limits: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.limits = make(map[string]*models.PeerSpendingLimit, len(limits))
	for i := range limits {
		limit := limits[i]
		l.limits[limit.PeerPubkey] = &limit
	}
	if settings != nil {
		l.settings = *settings
		l.loaded = true
	} else {
		l.loaded = false
	}

	l.logger.Info("Spending ledger loaded", "settings_loaded", l.loaded, "peer_limits", len(l.limits))
	return nil
}

// Reserve atomically checks the global and peer headroom for amountSats and,
// if both hold, debits both counters and returns a token. A limit breach is a
// ReserveDenied outcome, not an error. Errors mean the ledger state could not
// be confirmed and the payment must not proceed.
func (l *SpendingLedger) Reserve(ctx context.Context, peerPubkey string, amountSats uint64) (ReserveOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.loaded {
		return nil, ErrSettingsNotLoaded
	}

	now := l.clock.Now()
	settingsReset := resetSettings(&l.settings, now)
	limit, peerLimited := l.limits[peerPubkey]
	limitReset := peerLimited && resetLimit(limit, now)

	var denial string
	switch {
	case amountSats > autopay.Remaining(l.settings.GlobalDailyLimitSats, l.settings.CurrentDailySpentSats):
		denial = autopay.ReasonDailyLimit
	case peerLimited && amountSats > autopay.Remaining(limit.LimitSats, limit.SpentSats):
		denial = autopay.ReasonPeerLimit
	}

	if denial != "" {
		if settingsReset || limitReset {
			if err := l.persist(ctx, settingsReset, limitOrNil(limit, limitReset)); err != nil {
				l.logger.Warn("Failed to persist daily reset", "error", err)
			}
		}
		l.logger.Debug("Reservation denied", "peer", peerPubkey, "amount_sats", amountSats, "reason", denial)
		return ReserveDenied{Reason: denial}, nil
	}

	prevSettings := l.settings
	l.settings.CurrentDailySpentSats += amountSats
	var prevLimit models.PeerSpendingLimit
	if peerLimited {
		prevLimit = *limit
		limit.SpentSats += amountSats
	}

	if err := l.persist(ctx, true, limitOrNil(limit, peerLimited)); err != nil {
		l.settings = prevSettings
		if peerLimited {
			*limit = prevLimit
		}
		return nil, fmt.Errorf("failed to persist reservation: %w", err)
	}

	token := ReservationToken(uuid.NewString())
	l.reservations[token] = &reservation{
		peerPubkey:  peerPubkey,
		amountSats:  amountSats,
		reservedAt:  now,
		peerLimited: peerLimited,
	}

	l.logger.Debug("Reserved spend", "peer", peerPubkey, "amount_sats", amountSats, "token", token)
	return Reserved{Token: token}, nil
}

// Commit finalizes a reservation. Counters already include the amount.
func (l *SpendingLedger) Commit(ctx context.Context, token ReservationToken) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[token]
	if !ok {
		return ErrInvalidToken
	}
	delete(l.reservations, token)

	l.logger.Debug("Committed spend", "peer", r.peerPubkey, "amount_sats", r.amountSats, "token", token)
	return nil
}

// Rollback reverses a reservation. If a daily reset happened since the
// reservation, the reset counter no longer contains the amount and is left
// alone. Decrements never go below zero.
func (l *SpendingLedger) Rollback(ctx context.Context, token ReservationToken) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[token]
	if !ok {
		return ErrInvalidToken
	}
	delete(l.reservations, token)

	now := l.clock.Now()
	resetSettings(&l.settings, now)
	if clock.SameUTCDay(r.reservedAt, l.settings.LastResetDate) || !l.settings.LastResetDate.After(r.reservedAt) {
		l.settings.CurrentDailySpentSats = subFloor(l.settings.CurrentDailySpentSats, r.amountSats)
	}

	var limit *models.PeerSpendingLimit
	if r.peerLimited {
		if limit = l.limits[r.peerPubkey]; limit != nil {
			resetLimit(limit, now)
			if clock.SameUTCDay(r.reservedAt, limit.LastResetDate) || !limit.LastResetDate.After(r.reservedAt) {
				limit.SpentSats = subFloor(limit.SpentSats, r.amountSats)
			}
		}
	}

	if err := l.persist(ctx, true, limit); err != nil {
		return fmt.Errorf("failed to persist rollback: %w", err)
	}

	l.logger.Debug("Rolled back spend", "peer", r.peerPubkey, "amount_sats", r.amountSats, "token", token)
	return nil
}

// Snapshot returns copies of the settings (nil when not loaded) and peer
// limits, after applying any pending daily reset.
func (l *SpendingLedger) Snapshot(ctx context.Context) (*models.AutoPaySettings, map[string]models.PeerSpendingLimit) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	limits := make(map[string]models.PeerSpendingLimit, len(l.limits))
	var dirty []models.PeerSpendingLimit
	for peer, limit := range l.limits {
		if resetLimit(limit, now) {
			dirty = append(dirty, *limit)
		}
		limits[peer] = *limit
	}
	if len(dirty) > 0 {
		if err := l.store.PersistPeerLimits(ctx, dirty); err != nil {
			l.logger.Warn("Failed to persist peer limit reset", "error", err)
		}
	}

	if !l.loaded {
		return nil, limits
	}
	if resetSettings(&l.settings, now) {
		if err := l.store.PersistSettings(ctx, &l.settings); err != nil {
			l.logger.Warn("Failed to persist daily reset", "error", err)
		}
	}
	settings := l.settings
	return &settings, limits
}

// UpdateSettings changes the autopay switch and/or global limit. It creates
// the settings when none exist.
func (l *SpendingLedger) UpdateSettings(ctx context.Context, enabled *bool, globalDailyLimitSats *uint64) (*models.AutoPaySettings, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	next := l.settings
	if !l.loaded {
		next = models.AutoPaySettings{ID: models.SettingsID, LastResetDate: now}
	}
	resetSettings(&next, now)
	if enabled != nil {
		next.Enabled = *enabled
	}
	if globalDailyLimitSats != nil {
		next.GlobalDailyLimitSats = *globalDailyLimitSats
	}

	if err := l.store.PersistSettings(ctx, &next); err != nil {
		return nil, fmt.Errorf("failed to persist settings: %w", err)
	}
	l.settings = next
	l.loaded = true

	settings := l.settings
	return &settings, nil
}

// SetPeerLimit creates or updates a peer limit, keeping today's spend.
func (l *SpendingLedger) SetPeerLimit(ctx context.Context, peerPubkey string, limitSats uint64) (*models.PeerSpendingLimit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	next := models.PeerSpendingLimit{PeerPubkey: peerPubkey, LastResetDate: now}
	if existing, ok := l.limits[peerPubkey]; ok {
		next = *existing
		resetLimit(&next, now)
	}
	next.LimitSats = limitSats

	if err := l.store.PersistPeerLimits(ctx, []models.PeerSpendingLimit{next}); err != nil {
		return nil, fmt.Errorf("failed to persist peer limit: %w", err)
	}
	l.limits[peerPubkey] = &next

	limit := next
	return &limit, nil
}

// EnsurePeerLimit creates a peer limit if the peer has none yet.
func (l *SpendingLedger) EnsurePeerLimit(ctx context.Context, peerPubkey string, limitSats uint64) error {
	l.mu.Lock()
	_, exists := l.limits[peerPubkey]
	l.mu.Unlock()
	if exists {
		return nil
	}
	_, err := l.SetPeerLimit(ctx, peerPubkey, limitSats)
	return err
}

// Outstanding returns the number of reservations neither committed nor rolled back.
func (l *SpendingLedger) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reservations)
}

// persist writes the settings and, when non-nil, one peer limit. Caller holds mu.
func (l *SpendingLedger) persist(ctx context.Context, settings bool, limit *models.PeerSpendingLimit) error {
	if settings {
		s := l.settings
		if err := l.store.PersistSettings(ctx, &s); err != nil {
			return err
		}
	}
	if limit != nil {
		if err := l.store.PersistPeerLimits(ctx, []models.PeerSpendingLimit{*limit}); err != nil {
			return err
		}
	}
	return nil
}

func resetSettings(s *models.AutoPaySettings, now time.Time) bool {
	if clock.SameUTCDay(s.LastResetDate, now) {
		return false
	}
	s.CurrentDailySpentSats = 0
	s.LastResetDate = now
	return true
}

func resetLimit(limit *models.PeerSpendingLimit, now time.Time) bool {
	if clock.SameUTCDay(limit.LastResetDate, now) {
		return false
	}
	limit.SpentSats = 0
	limit.LastResetDate = now
	return true
}

func limitOrNil(limit *models.PeerSpendingLimit, ok bool) *models.PeerSpendingLimit {
	if !ok {
		return nil
	}
	return limit
}

func subFloor(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
