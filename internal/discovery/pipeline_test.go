package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/models"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/orchestrator"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/clock"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/logger"
)

const identity = "pk:me"

var testNow = time.Date(2026, 7, 2, 8, 30, 0, 0, time.UTC)

type fakeDirectory struct {
	follows   []string
	followErr error
	requests  map[string][]models.RawPaymentRequest
	proposals map[string][]models.RawProposal
	failing   map[string]bool
	slow      map[string]bool
}

func (d *fakeDirectory) ListFollows(ctx context.Context, owner string) ([]string, error) {
	return d.follows, d.followErr
}

func (d *fakeDirectory) FetchPendingRequests(ctx context.Context, peer, owner string) ([]models.RawPaymentRequest, error) {
	if d.slow[peer] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.failing[peer] {
		return nil, errors.New("homeserver unreachable")
	}
	return d.requests[peer], nil
}

func (d *fakeDirectory) FetchPendingProposals(ctx context.Context, peer, owner string) ([]models.RawProposal, error) {
	if d.slow[peer] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.failing[peer] {
		return nil, errors.New("homeserver unreachable")
	}
	return d.proposals[peer], nil
}

// memStore implements the request and seen stores.
type memStore struct {
	mu       sync.Mutex
	requests map[string]models.PaymentRequest
	seen     map[string]bool
	inserts  int
}

func newMemStore() *memStore {
	return &memStore{requests: make(map[string]models.PaymentRequest), seen: make(map[string]bool)}
}

func (m *memStore) request(fromPubkey, id string) (models.PaymentRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[ItemKey(fromPubkey, id)]
	return r, ok
}

func (m *memStore) GetPaymentRequest(ctx context.Context, fromPubkey, id string) (*models.PaymentRequest, error) {
	r, ok := m.request(fromPubkey, id)
	if !ok {
		return nil, models.ErrNotFound
	}
	return &r, nil
}

func (m *memStore) InsertPaymentRequestIfAbsent(ctx context.Context, request *models.PaymentRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ItemKey(request.FromPubkey, request.ID)
	if _, ok := m.requests[key]; ok {
		return false, nil
	}
	m.requests[key] = *request
	m.inserts++
	return true, nil
}

func (m *memStore) UpdatePaymentRequestStatus(ctx context.Context, fromPubkey, id string, status models.PaymentRequestStatus) error {
	return nil
}

func (m *memStore) DeletePaymentRequest(ctx context.Context, fromPubkey, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requests, ItemKey(fromPubkey, id))
	return nil
}

func (m *memStore) ListPaymentRequests(ctx context.Context, status models.PaymentRequestStatus) ([]models.PaymentRequest, error) {
	return nil, nil
}

func (m *memStore) ExpirePendingRequests(ctx context.Context, now, createdBefore time.Time) (int64, error) {
	return 0, nil
}

func (m *memStore) HasSeen(ctx context.Context, identityPubkey, requestID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[identityPubkey+"|"+requestID], nil
}

func (m *memStore) MarkSeen(ctx context.Context, identityPubkey, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[identityPubkey+"|"+requestID] = true
	return nil
}

func (m *memStore) UnmarkSeen(ctx context.Context, identityPubkey, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, identityPubkey+"|"+requestID)
	return nil
}

type recordingProcessor struct {
	intents []models.PaymentIntent
	err     error
}

func (r *recordingProcessor) ProcessBatch(ctx context.Context, intents []models.PaymentIntent) ([]orchestrator.Result, error) {
	r.intents = append(r.intents, intents...)
	results := make([]orchestrator.Result, 0, len(intents))
	for _, intent := range intents {
		results = append(results, orchestrator.Result{Intent: intent, Outcome: models.OutcomeNeedsApproval})
	}
	return results, r.err
}

func rawRequest(id string, amount uint64) models.RawPaymentRequest {
	return models.RawPaymentRequest{
		RequestID:  id,
		FromPubkey: "pk:alice",
		ToPubkey:   identity,
		AmountSats: amount,
		MethodID:   "lightning",
		CreatedAt:  testNow.Add(-time.Hour),
	}
}

func rawProposal(id string) models.RawProposal {
	return models.RawProposal{
		ProposalID:       id,
		ProviderPubkey:   "pk:bob",
		SubscriberPubkey: identity,
		AmountSats:       2100,
		MethodID:         "lightning",
		FrequencySeconds: 30 * 86400,
	}
}

func newTestPipeline(dir models.Directory, store *memStore, cache *SeenCache, proc IntentProcessor) *Pipeline {
	return NewPipeline(dir, store, store, cache, proc, identity, clock.NewManual(testNow), logger.NewNopLogger(), Options{
		FetchTimeout: 50 * time.Millisecond,
		Concurrency:  2,
	})
}

func TestRun_IdempotentDiscovery(t *testing.T) {
	dir := &fakeDirectory{
		follows:   []string{"pk:alice", "pk:bob"},
		requests:  map[string][]models.RawPaymentRequest{"pk:alice": {rawRequest("req-1", 1000)}},
		proposals: map[string][]models.RawProposal{"pk:bob": {rawProposal("prop-1")}},
	}
	store := newMemStore()
	proc := &recordingProcessor{}
	p := newTestPipeline(dir, store, NewSeenCache(), proc)

	for i := 0; i < 2; i++ {
		if _, err := p.Run(context.Background()); err != nil {
			t.Fatalf("Run() #%d error = %v", i, err)
		}
	}

	if store.inserts != 1 {
		t.Errorf("persisted requests = %d, want 1", store.inserts)
	}
	if len(proc.intents) != 2 {
		t.Fatalf("handed off %d intents, want 2", len(proc.intents))
	}

	req, prop := proc.intents[0], proc.intents[1]
	if req.Source != models.SourceIncomingRequest || req.RequestID != "req-1" || req.PeerPubkey != "pk:alice" {
		t.Errorf("unexpected request intent %+v", req)
	}
	if req.MethodID == nil || *req.MethodID != "lightning" {
		t.Errorf("request method = %v, want lightning", req.MethodID)
	}
	if prop.Source != models.SourceSubscriptionProposal || prop.Proposal == nil || prop.Proposal.ProposalID != "prop-1" {
		t.Errorf("unexpected proposal intent %+v", prop)
	}

	record, _ := store.request("pk:alice", "req-1")
	if record.Status != models.PaymentRequestPending || record.Direction != models.DirectionIncoming {
		t.Errorf("record = %s/%s, want pending/incoming", record.Status, record.Direction)
	}
	if !store.seen[identity+"|"+ItemKey("pk:bob", "prop-1")] {
		t.Error("proposal not persisted in the seen-set")
	}
}

func TestRun_RestartDoesNotRenotify(t *testing.T) {
	dir := &fakeDirectory{
		follows:   []string{"pk:alice", "pk:bob"},
		requests:  map[string][]models.RawPaymentRequest{"pk:alice": {rawRequest("req-1", 1000)}},
		proposals: map[string][]models.RawProposal{"pk:bob": {rawProposal("prop-1")}},
	}
	store := newMemStore()

	first := &recordingProcessor{}
	if _, err := newTestPipeline(dir, store, NewSeenCache(), first).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Fresh process: empty in-memory cache, same durable stores.
	second := &recordingProcessor{}
	report, err := newTestPipeline(dir, store, NewSeenCache(), second).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(second.intents) != 0 {
		t.Errorf("restart handed off %d intents, want 0", len(second.intents))
	}
	if report.Candidates != 2 || report.New != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestRun_InjectedSeenCache(t *testing.T) {
	dir := &fakeDirectory{
		follows:  []string{"pk:alice"},
		requests: map[string][]models.RawPaymentRequest{"pk:alice": {rawRequest("req-1", 1000), rawRequest("req-2", 500)}},
	}
	store := newMemStore()
	proc := &recordingProcessor{}

	if _, err := newTestPipeline(dir, store, NewSeenCache(ItemKey("pk:alice", "req-1")), proc).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(proc.intents) != 1 || proc.intents[0].RequestID != "req-2" {
		t.Errorf("intents = %+v, want only req-2", proc.intents)
	}
	if _, ok := store.request("pk:alice", "req-1"); ok {
		t.Error("cached request must not be persisted again")
	}
}

func TestRun_PeerFailuresAreIsolated(t *testing.T) {
	dir := &fakeDirectory{
		follows: []string{"pk:broken", "pk:slow", "pk:alice"},
		requests: map[string][]models.RawPaymentRequest{
			"pk:alice": {rawRequest("req-1", 1000)},
		},
		failing: map[string]bool{"pk:broken": true},
		slow:    map[string]bool{"pk:slow": true},
	}
	store := newMemStore()
	proc := &recordingProcessor{}

	report, err := newTestPipeline(dir, store, NewSeenCache(), proc).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.FailedFetches != 4 {
		t.Errorf("FailedFetches = %d, want 4", report.FailedFetches)
	}
	if len(proc.intents) != 1 || proc.intents[0].RequestID != "req-1" {
		t.Errorf("intents = %+v, want req-1", proc.intents)
	}
}

func TestRun_ExpiredAndInvalidRequests(t *testing.T) {
	expired := rawRequest("req-old", 1000)
	past := testNow.Add(-time.Minute)
	expired.ExpiresAt = &past

	dir := &fakeDirectory{
		follows: []string{"pk:alice"},
		requests: map[string][]models.RawPaymentRequest{
			"pk:alice": {expired, rawRequest("req-zero", 0), rawRequest("", 10)},
		},
	}
	store := newMemStore()
	proc := &recordingProcessor{}

	report, err := newTestPipeline(dir, store, NewSeenCache(), proc).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(proc.intents) != 0 {
		t.Errorf("handed off %d intents, want 0", len(proc.intents))
	}
	if report.Expired != 1 {
		t.Errorf("Expired = %d, want 1", report.Expired)
	}
	if got, _ := store.request("pk:alice", "req-old"); got.Status != models.PaymentRequestExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if _, ok := store.request("pk:alice", "req-zero"); ok {
		t.Error("zero-amount request persisted")
	}
}

func TestRun_CycleErrors(t *testing.T) {
	t.Run("follows", func(t *testing.T) {
		dir := &fakeDirectory{followErr: errors.New("no follows")}
		if _, err := newTestPipeline(dir, newMemStore(), nil, &recordingProcessor{}).Run(context.Background()); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("processor", func(t *testing.T) {
		dir := &fakeDirectory{
			follows:  []string{"pk:alice"},
			requests: map[string][]models.RawPaymentRequest{"pk:alice": {rawRequest("req-1", 1000)}},
		}
		proc := &recordingProcessor{err: orchestrator.ErrNodeNotReady}
		_, err := newTestPipeline(dir, newMemStore(), nil, proc).Run(context.Background())
		if !errors.Is(err, orchestrator.ErrNodeNotReady) {
			t.Fatalf("err = %v, want ErrNodeNotReady", err)
		}
	})
}

func TestRun_NodeNotReadyRetryHandsOff(t *testing.T) {
	dir := &fakeDirectory{
		follows:   []string{"pk:alice", "pk:bob"},
		requests:  map[string][]models.RawPaymentRequest{"pk:alice": {rawRequest("req-1", 1000)}},
		proposals: map[string][]models.RawProposal{"pk:bob": {rawProposal("prop-1")}},
	}
	store := newMemStore()
	cache := NewSeenCache()

	down := &recordingProcessor{err: fmt.Errorf("%w: timed out", orchestrator.ErrNodeNotReady)}
	report, err := newTestPipeline(dir, store, cache, down).Run(context.Background())
	if !errors.Is(err, orchestrator.ErrNodeNotReady) {
		t.Fatalf("err = %v, want ErrNodeNotReady", err)
	}
	if report.New != 2 || report.Released != 2 {
		t.Fatalf("report = %+v, want 2 new and 2 released", report)
	}
	if cache.Len() != 0 {
		t.Errorf("cache still holds %d released items", cache.Len())
	}

	// Same process retries the cycle.
	up := &recordingProcessor{}
	report, err = newTestPipeline(dir, store, cache, up).Run(context.Background())
	if err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if report.New != 2 || len(up.intents) != 2 {
		t.Fatalf("retry handed off %d intents (report %+v), want 2", len(up.intents), report)
	}
	if up.intents[0].RequestID != "req-1" || up.intents[1].Proposal == nil || up.intents[1].Proposal.ProposalID != "prop-1" {
		t.Errorf("retry intents = %+v", up.intents)
	}
	if record, ok := store.request("pk:alice", "req-1"); !ok || record.Status != models.PaymentRequestPending {
		t.Errorf("request after retry = %+v, %v", record, ok)
	}

	// Handled now, so a later cycle stays quiet.
	later := &recordingProcessor{}
	if _, err := newTestPipeline(dir, store, cache, later).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(later.intents) != 0 {
		t.Errorf("handled items handed off again: %+v", later.intents)
	}
}

func TestRun_NodeNotReadyThenRestart(t *testing.T) {
	dir := &fakeDirectory{
		follows:   []string{"pk:alice", "pk:bob"},
		requests:  map[string][]models.RawPaymentRequest{"pk:alice": {rawRequest("req-1", 1000)}},
		proposals: map[string][]models.RawProposal{"pk:bob": {rawProposal("prop-1")}},
	}
	store := newMemStore()

	down := &recordingProcessor{err: orchestrator.ErrNodeNotReady}
	if _, err := newTestPipeline(dir, store, NewSeenCache(), down).Run(context.Background()); !errors.Is(err, orchestrator.ErrNodeNotReady) {
		t.Fatalf("err = %v, want ErrNodeNotReady", err)
	}

	up := &recordingProcessor{}
	if _, err := newTestPipeline(dir, store, NewSeenCache(), up).Run(context.Background()); err != nil {
		t.Fatalf("Run() after restart error = %v", err)
	}
	if len(up.intents) != 2 {
		t.Errorf("restart handed off %d intents, want 2", len(up.intents))
	}
}

func TestRun_OtherBatchErrorsKeepItemsSeen(t *testing.T) {
	dir := &fakeDirectory{
		follows:  []string{"pk:alice"},
		requests: map[string][]models.RawPaymentRequest{"pk:alice": {rawRequest("req-1", 1000)}},
	}
	store := newMemStore()
	cache := NewSeenCache()

	failing := &recordingProcessor{err: errors.New("boom")}
	report, err := newTestPipeline(dir, store, cache, failing).Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if report.Released != 0 || !cache.Contains(ItemKey("pk:alice", "req-1")) {
		t.Errorf("items released on a non-readiness error: %+v", report)
	}
}

func TestRun_SameIDFromDifferentPeers(t *testing.T) {
	fromBob := rawRequest("inv-1", 700)
	fromBob.FromPubkey = "pk:bob"
	dir := &fakeDirectory{
		follows: []string{"pk:alice", "pk:bob"},
		requests: map[string][]models.RawPaymentRequest{
			"pk:alice": {rawRequest("inv-1", 1000)},
			"pk:bob":   {fromBob},
		},
	}
	store := newMemStore()
	proc := &recordingProcessor{}

	if _, err := newTestPipeline(dir, store, NewSeenCache(), proc).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(proc.intents) != 2 {
		t.Fatalf("handed off %d intents, want 2", len(proc.intents))
	}
	if proc.intents[0].PeerPubkey != "pk:alice" || proc.intents[1].PeerPubkey != "pk:bob" || proc.intents[1].AmountSats != 700 {
		t.Errorf("intents = %+v", proc.intents)
	}
	if store.inserts != 2 {
		t.Errorf("persisted requests = %d, want 2", store.inserts)
	}
}

func TestUniquePeers(t *testing.T) {
	got := uniquePeers([]string{"pk:a", "", "pk:b", "pk:a", identity, "pk:c"}, identity)
	want := []string{"pk:a", "pk:b", "pk:c"}
	if len(got) != len(want) {
		t.Fatalf("uniquePeers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("uniquePeers[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSeenCache(t *testing.T) {
	c := NewSeenCache(ItemKey("pk:a", "x"))
	if !c.Contains(ItemKey("pk:a", "x")) || c.Contains(ItemKey("pk:b", "x")) {
		t.Fatal("unexpected initial contents")
	}
	if !c.Add(ItemKey("pk:b", "x")) || c.Add(ItemKey("pk:b", "x")) {
		t.Error("Add should report only the first insertion")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
	c.Remove(ItemKey("pk:a", "x"), ItemKey("pk:c", "x"))
	if c.Contains(ItemKey("pk:a", "x")) || c.Len() != 1 {
		t.Errorf("Remove left %d keys", c.Len())
	}
}
