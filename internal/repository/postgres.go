package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/BitcoinErrorLog/bitkit-android-sub006/internal/models"
	"github.com/BitcoinErrorLog/bitkit-android-sub006/pkg/logger"
)

// GormDB implements models.Repository on top of gorm.
type GormDB struct {
	logger *logger.Logger
	now    func() time.Time

	Conn *gorm.DB
}

func NewPostgresDB(user, password, dbname, host string, port int, logger *logger.Logger) (*GormDB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		host, user, password, dbname, port)

	db, err := NewGormDB(postgres.Open(dsn), logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Successfully connected to PostgreSQL!")
	return db, nil
}

// NewGormDB opens dialector and migrates every table.
func NewGormDB(dialector gorm.Dialector, logger *logger.Logger) (*GormDB, error) {
	// Configure GORM logger to suppress "record not found" messages
	gormLogger := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.AutoPaySettings{},
		&models.PeerSpendingLimit{},
		&models.AutoPayRule{},
		&models.PaymentRequest{},
		&models.Subscription{},
		&models.SeenRequest{},
		&models.PaymentReceipt{},
		&models.AppLock{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate models: %w", err)
	}
	return &GormDB{Conn: db, logger: logger, now: time.Now}, nil
}

func (db *GormDB) Close() error {
	sqlDB, err := db.Conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ErrNotFound
	}
	return err
}

// AutoPay configuration

func (db *GormDB) GetSettings(ctx context.Context) (*models.AutoPaySettings, error) {
	var settings models.AutoPaySettings
	if err := db.Conn.WithContext(ctx).First(&settings, models.SettingsID).Error; err != nil {
		return nil, notFound(err)
	}
	return &settings, nil
}

func (db *GormDB) GetPeerLimits(ctx context.Context) ([]models.PeerSpendingLimit, error) {
	var limits []models.PeerSpendingLimit
	if err := db.Conn.WithContext(ctx).Order("peer_pubkey").Find(&limits).Error; err != nil {
		return nil, fmt.Errorf("failed to get peer limits: %w", err)
	}
	return limits, nil
}

// GetRules returns rules in match order.
func (db *GormDB) GetRules(ctx context.Context) ([]models.AutoPayRule, error) {
	var rules []models.AutoPayRule
	if err := db.Conn.WithContext(ctx).Order("position ASC, created_at ASC, id ASC").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to get autopay rules: %w", err)
	}
	return rules, nil
}

func (db *GormDB) PersistSettings(ctx context.Context, settings *models.AutoPaySettings) error {
	row := *settings
	row.ID = models.SettingsID
	row.UpdatedAt = db.now()
	if err := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to persist autopay settings: %w", err)
	}
	return nil
}

func (db *GormDB) PersistPeerLimits(ctx context.Context, limits []models.PeerSpendingLimit) error {
	if len(limits) == 0 {
		return nil
	}
	if err := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&limits).Error; err != nil {
		return fmt.Errorf("failed to persist peer limits: %w", err)
	}
	return nil
}

func (db *GormDB) SaveRule(ctx context.Context, rule *models.AutoPayRule) error {
	if err := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(rule).Error; err != nil {
		return fmt.Errorf("failed to save autopay rule: %w", err)
	}
	return nil
}

func (db *GormDB) DeleteRule(ctx context.Context, id string) error {
	res := db.Conn.WithContext(ctx).Where("id = ?", id).Delete(&models.AutoPayRule{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete autopay rule: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// Subscriptions

func (db *GormDB) GetActiveSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	var subs []models.Subscription
	if err := db.Conn.WithContext(ctx).
		Where("status = ?", models.SubscriptionActive).
		Order("next_payment_at").
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to get active subscriptions: %w", err)
	}
	return subs, nil
}

func (db *GormDB) ListSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	var subs []models.Subscription
	if err := db.Conn.WithContext(ctx).Order("created_at DESC").Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

func (db *GormDB) CreateSubscription(ctx context.Context, sub *models.Subscription) (bool, error) {
	res := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(sub)
	if res.Error != nil {
		return false, fmt.Errorf("failed to create subscription: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (db *GormDB) RecordSubscriptionPayment(ctx context.Context, id string, receipt *models.ExecutionReceipt, paidAt time.Time) error {
	updates := map[string]interface{}{"last_payment_at": paidAt}
	if receipt != nil {
		updates["last_payment_hash"] = receipt.PaymentHash
	}
	res := db.Conn.WithContext(ctx).Model(&models.Subscription{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to record subscription payment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (db *GormDB) AdvanceNextPaymentAt(ctx context.Context, id string, next time.Time) error {
	res := db.Conn.WithContext(ctx).Model(&models.Subscription{}).Where("id = ?", id).Update("next_payment_at", next)
	if res.Error != nil {
		return fmt.Errorf("failed to advance subscription: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// Payment requests

func (db *GormDB) GetPaymentRequest(ctx context.Context, fromPubkey, id string) (*models.PaymentRequest, error) {
	var request models.PaymentRequest
	if err := db.Conn.WithContext(ctx).Where("from_pubkey = ? AND id = ?", fromPubkey, id).First(&request).Error; err != nil {
		return nil, notFound(err)
	}
	return &request, nil
}

func (db *GormDB) InsertPaymentRequestIfAbsent(ctx context.Context, request *models.PaymentRequest) (bool, error) {
	res := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(request)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert payment request: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (db *GormDB) UpdatePaymentRequestStatus(ctx context.Context, fromPubkey, id string, status models.PaymentRequestStatus) error {
	res := db.Conn.WithContext(ctx).Model(&models.PaymentRequest{}).
		Where("from_pubkey = ? AND id = ?", fromPubkey, id).
		Updates(map[string]interface{}{
		"status":     status,
		"updated_at": db.now(),
	})
	if res.Error != nil {
		return fmt.Errorf("failed to update payment request status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeletePaymentRequest removes a stored request. Deleting a missing row is not an error.
func (db *GormDB) DeletePaymentRequest(ctx context.Context, fromPubkey, id string) error {
	if err := db.Conn.WithContext(ctx).
		Where("from_pubkey = ? AND id = ?", fromPubkey, id).
		Delete(&models.PaymentRequest{}).Error; err != nil {
		return fmt.Errorf("failed to delete payment request: %w", err)
	}
	return nil
}

// ListPaymentRequests returns requests newest first; an empty status lists all.
func (db *GormDB) ListPaymentRequests(ctx context.Context, status models.PaymentRequestStatus) ([]models.PaymentRequest, error) {
	var requests []models.PaymentRequest
	q := db.Conn.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&requests).Error; err != nil {
		return nil, fmt.Errorf("failed to list payment requests: %w", err)
	}
	return requests, nil
}

func (db *GormDB) ExpirePendingRequests(ctx context.Context, now, createdBefore time.Time) (int64, error) {
	res := db.Conn.WithContext(ctx).Model(&models.PaymentRequest{}).
		Where("status = ? AND direction = ?", models.PaymentRequestPending, models.DirectionIncoming).
		Where(db.Conn.Where("created_at < ?", createdBefore).
			Or("expires_at IS NOT NULL AND expires_at <= ?", now)).
		Updates(map[string]interface{}{
			"status":     models.PaymentRequestExpired,
			"updated_at": db.now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to expire payment requests: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Seen-set

func (db *GormDB) HasSeen(ctx context.Context, identityPubkey, requestID string) (bool, error) {
	var count int64
	if err := db.Conn.WithContext(ctx).Model(&models.SeenRequest{}).
		Where("identity_pubkey = ? AND request_id = ?", identityPubkey, requestID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check seen request: %w", err)
	}
	return count > 0, nil
}

func (db *GormDB) MarkSeen(ctx context.Context, identityPubkey, requestID string) error {
	seen := models.SeenRequest{IdentityPubkey: identityPubkey, RequestID: requestID, SeenAt: db.now()}
	if err := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&seen).Error; err != nil {
		return fmt.Errorf("failed to mark request seen: %w", err)
	}
	return nil
}

func (db *GormDB) UnmarkSeen(ctx context.Context, identityPubkey, requestID string) error {
	if err := db.Conn.WithContext(ctx).
		Where("identity_pubkey = ? AND request_id = ?", identityPubkey, requestID).
		Delete(&models.SeenRequest{}).Error; err != nil {
		return fmt.Errorf("failed to unmark seen request: %w", err)
	}
	return nil
}

// Receipts

func (db *GormDB) SaveReceipt(ctx context.Context, receipt *models.PaymentReceipt) error {
	if err := db.Conn.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(receipt).Error; err != nil {
		return fmt.Errorf("failed to save payment receipt: %w", err)
	}
	return nil
}

// Locks

// AcquireLock takes or renews the named lease. The lease is taken when it is
// free or expired and renewed when instanceID already holds it. A taken lease
// means another instance may have written in between.
func (db *GormDB) AcquireLock(ctx context.Context, name, instanceID string, ttl time.Duration) (models.LeaseState, error) {
	now := db.now()
	lock := models.AppLock{
		LockName:   name,
		InstanceID: instanceID,
		AcquiredAt: now.Unix(),
		ExpiresAt:  now.Add(ttl).Unix(),
	}

	state := models.LeaseHeld
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&lock)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			state = models.LeaseAcquired
			return nil
		}

		var current models.AppLock
		if err := tx.Where("lock_name = ?", name).First(&current).Error; err != nil {
			return err
		}
		expired := current.ExpiresAt < now.Unix()
		if current.InstanceID != instanceID && !expired {
			return nil
		}

		updates := map[string]interface{}{
			"instance_id": instanceID,
			"expires_at":  lock.ExpiresAt,
		}
		if expired {
			updates["acquired_at"] = lock.AcquiredAt
		}
		res = tx.Model(&models.AppLock{}).
			Where("lock_name = ? AND instance_id = ? AND expires_at = ?", name, current.InstanceID, current.ExpiresAt).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return nil
		}
		if expired {
			state = models.LeaseAcquired
		} else {
			state = models.LeaseRenewed
		}
		return nil
	})
	if err != nil {
		return models.LeaseHeld, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	return state, nil
}

func (db *GormDB) ReleaseLock(ctx context.Context, name, instanceID string) error {
	if err := db.Conn.WithContext(ctx).
		Where("lock_name = ? AND instance_id = ?", name, instanceID).
		Delete(&models.AppLock{}).Error; err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}
