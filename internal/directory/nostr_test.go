package directory

import (
	"encoding/json"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/models"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/logger"
)

func signedEvent(t *testing.T, sk string, kind int, createdAt int64, tags nostr.Tags, content interface{}) *nostr.Event {
	t.Helper()
	var body string
	switch c := content.(type) {
	case string:
		body = c
	default:
		raw, err := json.Marshal(c)
		if err != nil {
			t.Fatalf("marshal content: %v", err)
		}
		body = string(raw)
	}

	ev := &nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Timestamp(createdAt),
		Tags:      tags,
		Content:   body,
	}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return ev
}

func TestParseFollows(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	log := logger.NewNopLogger()

	older := signedEvent(t, sk, kindFollowList, 100, nostr.Tags{{"p", otherKey}}, "")
	newer := signedEvent(t, sk, kindFollowList, 200, nostr.Tags{
		{"p", peerKey},
		{"p", "garbage"},
		{"e", otherKey},
		{"p"},
	}, "")

	forged := signedEvent(t, sk, kindFollowList, 300, nostr.Tags{{"p", otherKey}}, "")
	forged.Content = "tampered"

	follows := parseFollows(log, []*nostr.Event{older, newer, forged})
	if len(follows) != 1 || follows[0] != peerKey {
		t.Errorf("parseFollows() = %v, want [%s]", follows, peerKey)
	}

	if got := parseFollows(log, nil); got != nil {
		t.Errorf("parseFollows(nil) = %v, want nil", got)
	}
}

func TestParseRequests(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	log := logger.NewNopLogger()
	p := nostr.Tag{"p", ownerKey}

	events := []*nostr.Event{
		// Superseded by the newer version below.
		signedEvent(t, sk, kindAppData, 100, nostr.Tags{{"d", requestTagPrefix + "req-1"}, p},
			models.RawPaymentRequest{RequestID: "req-1", ToPubkey: ownerKey, AmountSats: 1}),
		signedEvent(t, sk, kindAppData, 200, nostr.Tags{{"d", requestTagPrefix + "req-1"}, p},
			models.RawPaymentRequest{RequestID: "req-1", ToPubkey: ownerKey, AmountSats: 1000}),
		// Id from the d tag.
		signedEvent(t, sk, kindAppData, 150, nostr.Tags{{"d", requestTagPrefix + "req-2"}, p},
			models.RawPaymentRequest{AmountSats: 2000}),
		signedEvent(t, sk, kindAppData, 150, nostr.Tags{{"d", requestTagPrefix + "req-3"}, p},
			models.RawPaymentRequest{RequestID: "req-3", ToPubkey: otherKey, AmountSats: 3000}),
		signedEvent(t, sk, kindAppData, 150, nostr.Tags{{"d", requestTagPrefix + "req-4"}, p}, "{not json"),
		signedEvent(t, sk, kindAppData, 150, nostr.Tags{{"d", proposalTagPrefix + "prop-1"}, p},
			models.RawProposal{ProposalID: "prop-1"}),
	}

	requests := parseRequests(log, events, "pk:"+ownerKey)
	if len(requests) != 2 {
		t.Fatalf("got %d requests, want 2: %+v", len(requests), requests)
	}
	if requests[0].RequestID != "req-1" || requests[0].AmountSats != 1000 {
		t.Errorf("requests[0] = %+v, want newest req-1", requests[0])
	}
	if requests[1].RequestID != "req-2" || requests[1].AmountSats != 2000 {
		t.Errorf("requests[1] = %+v", requests[1])
	}

	proposals := parseProposals(log, events, ownerKey)
	if len(proposals) != 1 || proposals[0].ProposalID != "prop-1" {
		t.Errorf("parseProposals() = %+v, want [prop-1]", proposals)
	}
}

func TestAppDataFilter(t *testing.T) {
	f := appDataFilter("pk:"+peerKey, ownerKey)
	if len(f.Kinds) != 1 || f.Kinds[0] != kindAppData {
		t.Errorf("Kinds = %v", f.Kinds)
	}
	if len(f.Authors) != 1 || f.Authors[0] != peerKey {
		t.Errorf("Authors = %v", f.Authors)
	}
	if got := f.Tags["p"]; len(got) != 1 || got[0] != ownerKey {
		t.Errorf("p tags = %v", got)
	}
}
