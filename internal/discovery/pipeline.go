// Package discovery finds new payment requests and subscription proposals
// published by followed peers and hands them to the orchestrator.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/models"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/orchestrator"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/clock"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/logger"
)

const (
	DefaultFetchTimeout = 20 * time.Second
	DefaultConcurrency  = 8
)

// IntentProcessor runs a batch of intents to completion.
type IntentProcessor interface {
	ProcessBatch(ctx context.Context, intents []models.PaymentIntent) ([]orchestrator.Result, error)
}

// Kind tells a discovered payment request apart from a subscription proposal.
type Kind string

const (
	KindPaymentRequest       Kind = "payment_request"
	KindSubscriptionProposal Kind = "subscription_proposal"
)

// Candidate is one item fetched from a peer, before deduplication.
type Candidate struct {
	Kind       Kind
	RequestID  string
	PeerPubkey string
	Request    *models.RawPaymentRequest
	Proposal   *models.RawProposal
}

// Report summarizes one discovery cycle.
type Report struct {
	Peers         int
	FailedFetches int
	Candidates    int
	New           int
	Persisted     int
	Expired       int

	// Released counts items made eligible again after the node was not ready.
	Released int
	Results  []orchestrator.Result
}

type Options struct {
	FetchTimeout time.Duration
	Concurrency  int
}

// Pipeline polls followed peers for items addressed to the local identity.
type Pipeline struct {
	logger    *logger.Logger
	clock     clock.Clock
	directory models.Directory
	requests  models.PaymentRequestStore
	seenStore models.SeenRequestStore
	seen      *SeenCache
	processor IntentProcessor
	identity  string

	fetchTimeout time.Duration
	concurrency  int
}

func NewPipeline(
	directory models.Directory,
	requests models.PaymentRequestStore,
	seenStore models.SeenRequestStore,
	seen *SeenCache,
	processor IntentProcessor,
	identity string,
	clk clock.Clock,
	logger *logger.Logger,
	opts Options,
) *Pipeline {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if seen == nil {
		seen = NewSeenCache()
	}
	return &Pipeline{
		logger:       logger,
		clock:        clk,
		directory:    directory,
		requests:     requests,
		seenStore:    seenStore,
		seen:         seen,
		processor:    processor,
		identity:     identity,
		fetchTimeout: opts.FetchTimeout,
		concurrency:  opts.Concurrency,
	}
}

// Run executes one discovery cycle. Per-peer fetch failures only empty that
// peer's contribution; failing to list follows or to process the batch is
// returned as a cycle error. When the batch fails because the payment node
// was not ready, the handed-off items are released so the retried cycle
// admits them again.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	var report Report

	follows, err := p.directory.ListFollows(ctx, p.identity)
	if err != nil {
		return report, fmt.Errorf("failed to list follows: %w", err)
	}
	peers := uniquePeers(follows, p.identity)
	report.Peers = len(peers)

	candidates, failed := p.fetchAll(ctx, peers)
	report.FailedFetches = failed
	report.Candidates = len(candidates)

	now := p.clock.Now()
	var intents []models.PaymentIntent
	for _, c := range candidates {
		intent, ok := p.admit(ctx, c, now, &report)
		if ok {
			intents = append(intents, intent)
		}
	}
	report.New = len(intents)

	p.logger.Info("Discovery cycle collected items",
		"peers", report.Peers,
		"failed_fetches", report.FailedFetches,
		"candidates", report.Candidates,
		"new", report.New,
		"expired", report.Expired)

	if len(intents) == 0 {
		return report, nil
	}

	results, err := p.processor.ProcessBatch(ctx, intents)
	report.Results = results
	if err != nil {
		if errors.Is(err, orchestrator.ErrNodeNotReady) {
			report.Released = p.release(ctx, intents)
		}
		return report, fmt.Errorf("failed to process discovered items: %w", err)
	}
	return report, nil
}

// release undoes the bookkeeping admit did for intents that never reached
// policy evaluation. Items whose records cannot be undone stay suppressed.
func (p *Pipeline) release(ctx context.Context, intents []models.PaymentIntent) int {
	released := 0
	for _, intent := range intents {
		var key string
		switch intent.Source {
		case models.SourceIncomingRequest:
			key = ItemKey(intent.PeerPubkey, intent.RequestID)
			if err := p.requests.DeletePaymentRequest(ctx, intent.PeerPubkey, intent.RequestID); err != nil {
				p.logger.Error("Failed to release payment request", "id", intent.RequestID, "peer", intent.PeerPubkey, "error", err)
				continue
			}
		case models.SourceSubscriptionProposal:
			if intent.Proposal == nil {
				continue
			}
			key = ItemKey(intent.PeerPubkey, intent.Proposal.ProposalID)
			if err := p.seenStore.UnmarkSeen(ctx, p.identity, key); err != nil {
				p.logger.Error("Failed to release proposal", "id", intent.Proposal.ProposalID, "peer", intent.PeerPubkey, "error", err)
				continue
			}
		default:
			continue
		}
		p.seen.Remove(key)
		released++
	}
	p.logger.Info("Released discovered items for retry", "released", released, "items", len(intents))
	return released
}

type peerItems struct {
	requests  []models.RawPaymentRequest
	proposals []models.RawProposal
	failures  int
}

// fetchAll queries every peer with bounded concurrency and returns the
// candidates in peer order, requests before proposals.
func (p *Pipeline) fetchAll(ctx context.Context, peers []string) ([]Candidate, int) {
	items := make([]peerItems, len(peers))

	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for i, peer := range peers {
		i, peer := i, peer
		g.Go(func() error {
			items[i] = p.fetchPeer(ctx, peer)
			return nil
		})
	}
	_ = g.Wait()

	var candidates []Candidate
	failed := 0
	for i, peer := range peers {
		failed += items[i].failures
		for j := range items[i].requests {
			req := items[i].requests[j]
			candidates = append(candidates, Candidate{
				Kind:       KindPaymentRequest,
				RequestID:  req.RequestID,
				PeerPubkey: peer,
				Request:    &req,
			})
		}
		for j := range items[i].proposals {
			prop := items[i].proposals[j]
			candidates = append(candidates, Candidate{
				Kind:       KindSubscriptionProposal,
				RequestID:  prop.ProposalID,
				PeerPubkey: peer,
				Proposal:   &prop,
			})
		}
	}
	return candidates, failed
}

func (p *Pipeline) fetchPeer(ctx context.Context, peer string) peerItems {
	var out peerItems

	reqCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	requests, err := p.directory.FetchPendingRequests(reqCtx, peer, p.identity)
	cancel()
	if err != nil {
		p.logger.Warn("Failed to fetch pending requests", "peer", peer, "error", err)
		out.failures++
	} else {
		out.requests = requests
	}

	propCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	proposals, err := p.directory.FetchPendingProposals(propCtx, peer, p.identity)
	cancel()
	if err != nil {
		p.logger.Warn("Failed to fetch pending proposals", "peer", peer, "error", err)
		out.failures++
	} else {
		out.proposals = proposals
	}

	return out
}

// admit deduplicates a candidate and records it locally. It returns the
// intent to hand off when the candidate is new.
func (p *Pipeline) admit(ctx context.Context, c Candidate, now time.Time, report *Report) (models.PaymentIntent, bool) {
	if c.RequestID == "" {
		p.logger.Warn("Dropping item without id", "peer", c.PeerPubkey, "kind", c.Kind)
		return models.PaymentIntent{}, false
	}
	if p.seen.Contains(ItemKey(c.PeerPubkey, c.RequestID)) {
		return models.PaymentIntent{}, false
	}

	switch c.Kind {
	case KindPaymentRequest:
		return p.admitRequest(ctx, c, now, report)
	case KindSubscriptionProposal:
		return p.admitProposal(ctx, c)
	default:
		p.logger.Warn("Dropping item of unknown kind", "kind", c.Kind, "id", c.RequestID)
		return models.PaymentIntent{}, false
	}
}

func (p *Pipeline) admitRequest(ctx context.Context, c Candidate, now time.Time, report *Report) (models.PaymentIntent, bool) {
	raw := c.Request
	key := ItemKey(c.PeerPubkey, raw.RequestID)

	_, err := p.requests.GetPaymentRequest(ctx, c.PeerPubkey, raw.RequestID)
	switch {
	case err == nil:
		// Known from an earlier run.
		p.seen.Add(key)
		return models.PaymentIntent{}, false
	case !errors.Is(err, models.ErrNotFound):
		p.logger.Error("Failed to look up payment request", "id", raw.RequestID, "error", err)
		return models.PaymentIntent{}, false
	}

	if raw.AmountSats == 0 {
		p.logger.Warn("Dropping payment request without amount", "id", raw.RequestID, "peer", c.PeerPubkey)
		p.seen.Add(key)
		return models.PaymentIntent{}, false
	}

	expired := raw.ExpiresAt != nil && !raw.ExpiresAt.After(now)
	record := &models.PaymentRequest{
		ID:          raw.RequestID,
		FromPubkey:  c.PeerPubkey,
		ToPubkey:    p.identity,
		AmountSats:  raw.AmountSats,
		Currency:    raw.Currency,
		MethodID:    raw.MethodID,
		Description: raw.Description,
		Status:      models.PaymentRequestPending,
		Direction:   models.DirectionIncoming,
		CreatedAt:   raw.CreatedAt,
		ExpiresAt:   raw.ExpiresAt,
		UpdatedAt:   now,
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if expired {
		record.Status = models.PaymentRequestExpired
	}

	inserted, err := p.requests.InsertPaymentRequestIfAbsent(ctx, record)
	if err != nil {
		p.logger.Error("Failed to persist payment request", "id", raw.RequestID, "error", err)
		return models.PaymentIntent{}, false
	}
	p.seen.Add(key)
	if !inserted {
		return models.PaymentIntent{}, false
	}
	report.Persisted++

	if expired {
		report.Expired++
		p.logger.Info("Discovered payment request already expired", "id", raw.RequestID, "peer", c.PeerPubkey)
		return models.PaymentIntent{}, false
	}

	intent := models.PaymentIntent{
		CorrelationID: uuid.NewString(),
		PeerPubkey:    c.PeerPubkey,
		AmountSats:    raw.AmountSats,
		MethodID:      methodPtr(raw.MethodID),
		Source:        models.SourceIncomingRequest,
		RequestID:     raw.RequestID,
		Endpoint:      raw.Endpoint,
	}
	return intent, true
}

func (p *Pipeline) admitProposal(ctx context.Context, c Candidate) (models.PaymentIntent, bool) {
	raw := c.Proposal
	key := ItemKey(c.PeerPubkey, raw.ProposalID)

	seen, err := p.seenStore.HasSeen(ctx, p.identity, key)
	if err != nil {
		p.logger.Error("Failed to check seen proposals", "id", raw.ProposalID, "error", err)
		return models.PaymentIntent{}, false
	}
	if seen {
		p.seen.Add(key)
		return models.PaymentIntent{}, false
	}

	// Marked before handoff so a crash mid-cycle cannot notify twice.
	if err := p.seenStore.MarkSeen(ctx, p.identity, key); err != nil {
		p.logger.Error("Failed to mark proposal seen", "id", raw.ProposalID, "error", err)
		return models.PaymentIntent{}, false
	}
	p.seen.Add(key)

	proposal := *raw
	intent := models.PaymentIntent{
		CorrelationID: uuid.NewString(),
		PeerPubkey:    c.PeerPubkey,
		AmountSats:    raw.AmountSats,
		MethodID:      methodPtr(raw.MethodID),
		Source:        models.SourceSubscriptionProposal,
		Proposal:      &proposal,
	}
	return intent, true
}

// uniquePeers drops blanks, duplicates and the local identity while keeping order.
func uniquePeers(follows []string, identity string) []string {
	seen := make(map[string]struct{}, len(follows))
	peers := make([]string, 0, len(follows))
	for _, peer := range follows {
		if peer == "" || peer == identity {
			continue
		}
		if _, ok := seen[peer]; ok {
			continue
		}
		seen[peer] = struct{}{}
		peers = append(peers, peer)
	}
	return peers
}

func methodPtr(methodID string) *string {
	if methodID == "" {
		return nil
	}
	return &methodID
}
