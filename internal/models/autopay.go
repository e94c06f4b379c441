package models

import (
	"time"

	"gorm.io/datatypes"
)

// AutoPaySettings is the singleton row holding the global autopay switch and
// the global daily spending counter.
type AutoPaySettings struct {
	// ID is always SettingsID; there is exactly one settings row.
	ID uint `json:"-" gorm:"column:id;primaryKey"`
	// Enabled is the global autopay switch.
	Enabled bool `json:"enabled" gorm:"column:enabled"`
	// GlobalDailyLimitSats caps the total autopaid amount per UTC day.
	GlobalDailyLimitSats uint64 `json:"global_daily_limit_sats" gorm:"column:global_daily_limit_sats"`
	// CurrentDailySpentSats is the amount spent (or reserved) during the current UTC day.
	CurrentDailySpentSats uint64 `json:"current_daily_spent_sats" gorm:"column:current_daily_spent_sats"`
	// LastResetDate is when the daily counter was last reset.
	LastResetDate time.Time `json:"last_reset_date" gorm:"column:last_reset_date"`
	UpdatedAt     time.Time `json:"updated_at" gorm:"column:updated_at"`
}

// SettingsID is the primary key of the settings row.
const SettingsID = 1

func (AutoPaySettings) TableName() string {
	return "autopay_settings"
}

// PeerSpendingLimit is a per-peer daily ceiling, independent of the global limit.
type PeerSpendingLimit struct {
	PeerPubkey    string    `json:"peer_pubkey" gorm:"column:peer_pubkey;primaryKey;size:128"`
	LimitSats     uint64    `json:"limit_sats" gorm:"column:limit_sats"`
	SpentSats     uint64    `json:"spent_sats" gorm:"column:spent_sats"`
	LastResetDate time.Time `json:"last_reset_date" gorm:"column:last_reset_date"`
}

func (PeerSpendingLimit) TableName() string {
	return "peer_spending_limits"
}

// AutoPayRule authorizes automatic payments to one peer up to an amount and
// over a set of payment methods. Rules are matched in Position order.
type AutoPayRule struct {
	ID             string                      `json:"id" gorm:"column:id;primaryKey;size:64"`
	Name           string                      `json:"name" gorm:"column:name;not null"`
	PeerPubkey     string                      `json:"peer_pubkey" gorm:"column:peer_pubkey;index;not null"`
	MaxAmountSats  uint64                      `json:"max_amount_sats" gorm:"column:max_amount_sats"`
	AllowedMethods datatypes.JSONSlice[string] `json:"allowed_methods" gorm:"column:allowed_methods"`
	Enabled        bool                        `json:"enabled" gorm:"column:enabled"`
	Position       int                         `json:"position" gorm:"column:position;index"`
	CreatedAt      time.Time                   `json:"created_at" gorm:"column:created_at"`
}

func (AutoPayRule) TableName() string {
	return "autopay_rules"
}

// AllowsMethod reports whether methodID is in the rule's allowed methods.
func (r *AutoPayRule) AllowsMethod(methodID string) bool {
	for _, m := range r.AllowedMethods {
		if m == methodID {
			return true
		}
	}
	return false
}
