// Package autopay decides whether a payment may be made without asking the user.
//
// Evaluate is pure: it reads a settings snapshot, the peer limits and the rule
// list, and never touches spend counters. The authoritative limit check is the
// ledger reservation that follows an Approved decision.
package autopay

import (
	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/models"
)

const (
	ReasonDailyLimit = "Would exceed daily limit"
	ReasonPeerLimit  = "Would exceed peer limit"
)

// Decision is one of Approved, Denied or NeedsApproval.
type Decision interface {
	isDecision()
}

// Approved means a rule authorizes the payment.
type Approved struct {
	RuleID   string
	RuleName string
}

// Denied means the payment is known to break a limit.
type Denied struct {
	Reason string
}

// NeedsApproval means no rule authorizes the payment, or autopay is off.
type NeedsApproval struct{}

func (Approved) isDecision()      {}
func (Denied) isDecision()        {}
func (NeedsApproval) isDecision() {}

// Evaluate applies, in order: settings loaded, autopay enabled, global daily
// headroom, peer headroom, then first-match over rules in list order.
// A nil methodID matches any rule method set.
func Evaluate(
	peerPubkey string,
	amountSats uint64,
	methodID *string,
	settings *models.AutoPaySettings,
	peerLimits map[string]models.PeerSpendingLimit,
	rules []models.AutoPayRule,
) Decision {
	if settings == nil {
		return NeedsApproval{}
	}
	if !settings.Enabled {
		return NeedsApproval{}
	}

	if amountSats > Remaining(settings.GlobalDailyLimitSats, settings.CurrentDailySpentSats) {
		return Denied{Reason: ReasonDailyLimit}
	}

	if limit, ok := peerLimits[peerPubkey]; ok {
		if amountSats > Remaining(limit.LimitSats, limit.SpentSats) {
			return Denied{Reason: ReasonPeerLimit}
		}
	}

	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled || rule.PeerPubkey != peerPubkey {
			continue
		}
		if amountSats > rule.MaxAmountSats {
			continue
		}
		if methodID != nil && !rule.AllowsMethod(*methodID) {
			continue
		}
		return Approved{RuleID: rule.ID, RuleName: rule.Name}
	}

	return NeedsApproval{}
}

// Remaining returns limit-spent, floored at zero.
func Remaining(limit, spent uint64) uint64 {
	if spent >= limit {
		return 0
	}
	return limit - spent
}
