package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/models"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/orchestrator"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/clock"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/logger"
)

// DefaultUpcomingWindow is how far ahead upcoming charges are announced.
const DefaultUpcomingWindow = 24 * time.Hour

// IntentProcessor runs a batch of intents to completion.
type IntentProcessor interface {
	ProcessBatch(ctx context.Context, intents []models.PaymentIntent) ([]orchestrator.Result, error)
}

// DueSubscriptions returns the subscriptions whose next payment is at or before now.
func DueSubscriptions(subs []models.Subscription, now time.Time) []models.Subscription {
	var due []models.Subscription
	for _, sub := range subs {
		if sub.NextPaymentAt != nil && !sub.NextPaymentAt.After(now) {
			due = append(due, sub)
		}
	}
	return due
}

// UpcomingSubscriptions returns the subscriptions due after now and no later than now+window.
func UpcomingSubscriptions(subs []models.Subscription, now time.Time, window time.Duration) []models.Subscription {
	horizon := now.Add(window)
	var upcoming []models.Subscription
	for _, sub := range subs {
		if sub.NextPaymentAt == nil {
			continue
		}
		if sub.NextPaymentAt.After(now) && !sub.NextPaymentAt.After(horizon) {
			upcoming = append(upcoming, sub)
		}
	}
	return upcoming
}

// Report summarizes one subscription cycle.
type Report struct {
	Due       int
	Upcoming  int
	Paid      int
	Unpaid    int
	Announced int
	// Skipped counts due subscriptions without a usable frequency.
	Skipped int
}

type upcomingKey struct {
	id   string
	next int64
}

// Scheduler charges due subscriptions and announces upcoming ones.
type Scheduler struct {
	logger    *logger.Logger
	clock     clock.Clock
	store     models.SubscriptionStore
	processor IntentProcessor
	notifier  models.NotificationService
	window    time.Duration

	mu        sync.Mutex
	announced map[upcomingKey]struct{}
}

func NewScheduler(store models.SubscriptionStore, processor IntentProcessor, notifier models.NotificationService, clk clock.Clock, logger *logger.Logger, window time.Duration) *Scheduler {
	if window <= 0 {
		window = DefaultUpcomingWindow
	}
	return &Scheduler{
		logger:    logger,
		clock:     clk,
		store:     store,
		processor: processor,
		notifier:  notifier,
		window:    window,
		announced: make(map[upcomingKey]struct{}),
	}
}

// RunCycle loads active subscriptions, announces upcoming charges once per
// due date, and hands due subscriptions to the processor. The next payment
// date only advances for subscriptions that were paid.
func (s *Scheduler) RunCycle(ctx context.Context) (Report, error) {
	var report Report

	subs, err := s.store.GetActiveSubscriptions(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to load active subscriptions: %w", err)
	}
	now := s.clock.Now()

	s.pruneAnnounced(now)
	upcoming := UpcomingSubscriptions(subs, now, s.window)
	report.Upcoming = len(upcoming)
	for i := range upcoming {
		if s.markAnnounced(&upcoming[i]) {
			s.notifier.SendUpcoming(&upcoming[i])
			report.Announced++
		}
	}

	due := DueSubscriptions(subs, now)
	report.Due = len(due)
	chargeable := due[:0]
	for _, sub := range due {
		if sub.FrequencySeconds <= 0 {
			s.logger.Warn("Skipping subscription without a valid frequency", "subscription", sub.ID, "frequency_seconds", sub.FrequencySeconds)
			report.Skipped++
			continue
		}
		chargeable = append(chargeable, sub)
	}
	due = chargeable
	if len(due) == 0 {
		return report, nil
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextPaymentAt.Before(*due[j].NextPaymentAt)
	})

	byID := make(map[string]models.Subscription, len(due))
	intents := make([]models.PaymentIntent, 0, len(due))
	for _, sub := range due {
		byID[sub.ID] = sub
		intents = append(intents, subscriptionIntent(sub))
	}

	results, err := s.processor.ProcessBatch(ctx, intents)
	for _, res := range results {
		if res.Outcome != models.OutcomeSucceeded {
			report.Unpaid++
			continue
		}
		report.Paid++

		sub := byID[res.Intent.SubscriptionID]
		next := now.Add(sub.Frequency())
		if err := s.store.AdvanceNextPaymentAt(ctx, sub.ID, next); err != nil {
			s.logger.Error("Failed to advance subscription", "error", err, "subscription", sub.ID)
			continue
		}
		s.logger.Info("Subscription paid", "subscription", sub.ID, "next_payment_at", next)
	}
	if err != nil {
		return report, fmt.Errorf("failed to process due subscriptions: %w", err)
	}

	s.logger.Info("Subscription cycle finished",
		"due", report.Due,
		"paid", report.Paid,
		"unpaid", report.Unpaid,
		"skipped", report.Skipped,
		"upcoming", report.Upcoming)
	return report, nil
}

// markAnnounced records that the upcoming charge was announced and reports
// whether this is the first time for that due date.
func (s *Scheduler) markAnnounced(sub *models.Subscription) bool {
	key := upcomingKey{id: sub.ID, next: sub.NextPaymentAt.Unix()}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.announced[key]; ok {
		return false
	}
	s.announced[key] = struct{}{}
	return true
}

// pruneAnnounced forgets announcements for due dates that have passed.
func (s *Scheduler) pruneAnnounced(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.announced {
		if key.next < now.Unix() {
			delete(s.announced, key)
		}
	}
}

func subscriptionIntent(sub models.Subscription) models.PaymentIntent {
	intent := models.PaymentIntent{
		CorrelationID:  uuid.NewString(),
		PeerPubkey:     sub.ProviderPubkey,
		AmountSats:     sub.AmountSats,
		Source:         models.SourceSubscription,
		SubscriptionID: sub.ID,
	}
	if sub.MethodID != "" {
		method := sub.MethodID
		intent.MethodID = &method
	}
	return intent
}
