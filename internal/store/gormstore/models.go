package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditGrant mirrors the credit_grants table. Remaining is derived, never stored by this model.
type CreditGrant struct {
	GrantID            string         `gorm:"primaryKey"`
	UserID             string         `gorm:"not null;index:idx_credit_grants_user_expires,priority:1"`
	Amount             int64          `gorm:"not null"`
	Consumed           int64          `gorm:"not null;default:0"`
	Source             string         `gorm:"not null"`
	SourceID           string         `gorm:"not null;uniqueIndex:uniq_credit_grants_source_id"`
	GrantedAt          time.Time      `gorm:"not null"`
	ExpiresAt          time.Time      `gorm:"not null;index:idx_credit_grants_user_expires,priority:2"`
	ExpirationRecorded bool           `gorm:"not null;default:false"`
	Metadata           datatypes.JSON `gorm:"not null"`
}

func (CreditGrant) TableName() string { return "credit_grants" }

func (grant *CreditGrant) BeforeCreate(tx *gorm.DB) error {
	if grant.GrantID == "" {
		grant.GrantID = uuid.NewString()
	}
	return nil
}

// BalanceTransaction mirrors the append-only balance_transactions table.
type BalanceTransaction struct {
	TransactionID string         `gorm:"primaryKey"`
	UserID        string         `gorm:"not null;index:idx_balance_transactions_user_created,priority:1"`
	Type          string         `gorm:"not null"`
	Amount        int64          `gorm:"not null"`
	Description   string         `gorm:"not null;default:''"`
	BalanceBefore int64          `gorm:"not null"`
	BalanceAfter  int64          `gorm:"not null"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_balance_transactions_user_created,priority:2"`
}

func (BalanceTransaction) TableName() string { return "balance_transactions" }

func (transaction *BalanceTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// BalanceCache mirrors the balance_cache table keyed by user:{id}:balance.
type BalanceCache struct {
	CacheKey   string     `gorm:"primaryKey"`
	UserID     string     `gorm:"not null"`
	Balance    int64      `gorm:"not null"`
	ValidUntil *time.Time `gorm:""`
	UpdatedAt  time.Time  `gorm:"not null"`
}

func (BalanceCache) TableName() string { return "balance_cache" }

// SubscriptionStatus mirrors the subscription_status table.
type SubscriptionStatus struct {
	UserID    string    `gorm:"primaryKey"`
	PlanID    string    `gorm:"not null"`
	Status    string    `gorm:"not null"`
	PeriodEnd time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (SubscriptionStatus) TableName() string { return "subscription_status" }

// PaymentRecord mirrors the payment_records table.
type PaymentRecord struct {
	PaymentID        string          `gorm:"primaryKey"`
	Provider         string          `gorm:"not null"`
	UserID           string          `gorm:"not null;index:idx_payment_records_user"`
	OrderID          string          `gorm:"not null;default:''"`
	ProductID        string          `gorm:"not null"`
	PriceAmount      decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	PriceCurrency    string          `gorm:"not null"`
	Status           string          `gorm:"not null"`
	Processed        bool            `gorm:"not null;default:false"`
	ReviewRequired   bool            `gorm:"not null;default:false"`
	CreditsExpiresAt *time.Time      `gorm:""`
	CreatedAt        time.Time       `gorm:"not null"`
	UpdatedAt        time.Time       `gorm:"not null"`
}

func (PaymentRecord) TableName() string { return "payment_records" }

// WebhookEvent mirrors the webhook_events audit table.
type WebhookEvent struct {
	EventID           string     `gorm:"primaryKey"`
	Provider          string     `gorm:"not null"`
	PaymentID         string     `gorm:"not null;index:idx_webhook_events_payment_status_created,priority:1"`
	OrderID           string     `gorm:"not null;default:''"`
	Status            string     `gorm:"not null;index:idx_webhook_events_payment_status_created,priority:2"`
	RawStatus         string     `gorm:"not null;default:''"`
	Signature         string     `gorm:"not null;default:''"`
	SignatureVerified bool       `gorm:"not null"`
	Payload           string     `gorm:"type:text;not null"`
	Processed         bool       `gorm:"not null;default:false"`
	ProcessedAt       *time.Time `gorm:""`
	ProcessingError   string     `gorm:"not null;default:''"`
	ReviewRequired    bool       `gorm:"not null;default:false"`
	CreatedAt         time.Time  `gorm:"not null;index:idx_webhook_events_payment_status_created,priority:3"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// GenerationJob mirrors the generation_jobs table.
type GenerationJob struct {
	JobID     string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index:idx_generation_jobs_user"`
	Kind      string    `gorm:"not null"`
	Cost      int64     `gorm:"not null"`
	Status    string    `gorm:"not null"`
	Result    string    `gorm:"not null;default:''"`
	Error     string    `gorm:"not null;default:''"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (GenerationJob) TableName() string { return "generation_jobs" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{
		&CreditGrant{},
		&BalanceTransaction{},
		&BalanceCache{},
		&SubscriptionStatus{},
		&PaymentRecord{},
		&WebhookEvent{},
		&GenerationJob{},
	}
}
