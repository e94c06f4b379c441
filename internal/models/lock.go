package models

// AppLock is a lease row in the database.
// Cycles take it before spending so that two daemons sharing one database
// never run with separate in-memory ledgers at the same time.
type AppLock struct {
	LockName   string `gorm:"primaryKey;size:255"`
	InstanceID string `gorm:"size:255;not null"`
	AcquiredAt int64  `gorm:"not null;index"`
	ExpiresAt  int64  `gorm:"not null;index"`
}

// TableName specifies the table name for GORM
func (AppLock) TableName() string {
	return "app_locks"
}
