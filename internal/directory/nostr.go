package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/models"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/logger"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/validation"
)

const (
	kindFollowList = 3
	kindAppData    = 30078

	requestTagPrefix  = "paykit:request:"
	proposalTagPrefix = "paykit:proposal:"
)

// NostrDirectory reads follows (kind 3) and paykit app data (kind 30078,
// addressed with a "p" tag) from a single relay.
type NostrDirectory struct {
	logger   *logger.Logger
	relayURL string
}

func NewNostrDirectory(logger *logger.Logger, relayURL string) *NostrDirectory {
	return &NostrDirectory{logger: logger, relayURL: relayURL}
}

func (d *NostrDirectory) ListFollows(ctx context.Context, ownerPubkey string) ([]string, error) {
	events, err := d.query(ctx, nostr.Filter{
		Kinds:   []int{kindFollowList},
		Authors: []string{validation.NormalizePubkey(ownerPubkey)},
		Limit:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query follow list: %w", err)
	}
	return parseFollows(d.logger, events), nil
}

func (d *NostrDirectory) FetchPendingRequests(ctx context.Context, peerPubkey, ownerPubkey string) ([]models.RawPaymentRequest, error) {
	events, err := d.query(ctx, appDataFilter(peerPubkey, ownerPubkey))
	if err != nil {
		return nil, fmt.Errorf("failed to query payment requests: %w", err)
	}
	return parseRequests(d.logger, events, ownerPubkey), nil
}

func (d *NostrDirectory) FetchPendingProposals(ctx context.Context, peerPubkey, ownerPubkey string) ([]models.RawProposal, error) {
	events, err := d.query(ctx, appDataFilter(peerPubkey, ownerPubkey))
	if err != nil {
		return nil, fmt.Errorf("failed to query subscription proposals: %w", err)
	}
	return parseProposals(d.logger, events, ownerPubkey), nil
}

func appDataFilter(peerPubkey, ownerPubkey string) nostr.Filter {
	return nostr.Filter{
		Kinds:   []int{kindAppData},
		Authors: []string{validation.NormalizePubkey(peerPubkey)},
		Tags: nostr.TagMap{
			"p": []string{validation.NormalizePubkey(ownerPubkey)},
		},
	}
}

// query collects stored events matching filter until the relay signals the
// end of stored events or ctx is done.
func (d *NostrDirectory) query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	relay, err := nostr.RelayConnect(ctx, d.relayURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	defer relay.Close()

	sub, err := relay.Subscribe(ctx, nostr.Filters{filter})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsub()

	var events []*nostr.Event
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return events, nil
			}
			events = append(events, ev)
		case <-sub.EndOfStoredEvents:
			return events, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func validEvent(logger *logger.Logger, ev *nostr.Event) bool {
	ok, err := ev.CheckSignature()
	if err != nil || !ok {
		logger.Debug("Skipping event with bad signature", "id", ev.ID, "error", err)
		return false
	}
	return true
}

// parseFollows returns the "p" tags of the newest valid follow list.
func parseFollows(logger *logger.Logger, events []*nostr.Event) []string {
	var newest *nostr.Event
	for _, ev := range events {
		if ev.Kind != kindFollowList || !validEvent(logger, ev) {
			continue
		}
		if newest == nil || ev.CreatedAt > newest.CreatedAt {
			newest = ev
		}
	}
	if newest == nil {
		return nil
	}

	follows := make([]string, 0, len(newest.Tags))
	for _, tag := range newest.Tags {
		if len(tag) < 2 || tag[0] != "p" {
			continue
		}
		pubkey, err := validation.ValidateAndNormalizePubkey(tag[1])
		if err != nil {
			logger.Debug("Skipping invalid follow", "pubkey", tag[1], "error", err)
			continue
		}
		follows = append(follows, pubkey)
	}
	return follows
}

// latestByIdentifier keeps the newest valid app-data event per d tag whose
// identifier starts with prefix, ordered by identifier.
func latestByIdentifier(logger *logger.Logger, events []*nostr.Event, prefix string) []*nostr.Event {
	latest := make(map[string]*nostr.Event)
	for _, ev := range events {
		if ev.Kind != kindAppData {
			continue
		}
		id := dTag(ev)
		if !strings.HasPrefix(id, prefix) || !validEvent(logger, ev) {
			continue
		}
		if cur, ok := latest[id]; !ok || ev.CreatedAt > cur.CreatedAt {
			latest[id] = ev
		}
	}

	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*nostr.Event, 0, len(ids))
	for _, id := range ids {
		out = append(out, latest[id])
	}
	return out
}

func parseRequests(logger *logger.Logger, events []*nostr.Event, ownerPubkey string) []models.RawPaymentRequest {
	owner := validation.NormalizePubkey(ownerPubkey)
	var out []models.RawPaymentRequest
	for _, ev := range latestByIdentifier(logger, events, requestTagPrefix) {
		var req models.RawPaymentRequest
		if err := json.Unmarshal([]byte(ev.Content), &req); err != nil {
			logger.Debug("Skipping malformed payment request", "event", ev.ID, "error", err)
			continue
		}
		if req.RequestID == "" {
			req.RequestID = strings.TrimPrefix(dTag(ev), requestTagPrefix)
		}
		if req.ToPubkey != "" && validation.NormalizePubkey(req.ToPubkey) != owner {
			continue
		}
		out = append(out, req)
	}
	return out
}

func parseProposals(logger *logger.Logger, events []*nostr.Event, ownerPubkey string) []models.RawProposal {
	owner := validation.NormalizePubkey(ownerPubkey)
	var out []models.RawProposal
	for _, ev := range latestByIdentifier(logger, events, proposalTagPrefix) {
		var prop models.RawProposal
		if err := json.Unmarshal([]byte(ev.Content), &prop); err != nil {
			logger.Debug("Skipping malformed subscription proposal", "event", ev.ID, "error", err)
			continue
		}
		if prop.ProposalID == "" {
			prop.ProposalID = strings.TrimPrefix(dTag(ev), proposalTagPrefix)
		}
		if prop.SubscriberPubkey != "" && validation.NormalizePubkey(prop.SubscriberPubkey) != owner {
			continue
		}
		out = append(out, prop)
	}
	return out
}

func dTag(ev *nostr.Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1]
		}
	}
	return ""
}
