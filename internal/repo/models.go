package repo

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInsufficientFunds is returned when a conditional debit affects zero rows.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrDuplicateReference is returned when a transaction reference already exists.
	ErrDuplicateReference = errors.New("duplicate transaction reference")
)

// TransactionType enumerates ledger movement categories.
type TransactionType string

const (
	TxAirtime     TransactionType = "airtime"
	TxData        TransactionType = "data"
	TxCable       TransactionType = "cable"
	TxElectricity TransactionType = "electricity"
	TxDeposit     TransactionType = "deposit"
	TxWithdrawal  TransactionType = "withdrawal"
	TxGift        TransactionType = "gift"
	TxRefund      TransactionType = "refund"
	TxScheduled   TransactionType = "scheduled"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxAirtime, TxData, TxCable, TxElectricity, TxDeposit, TxWithdrawal, TxGift, TxRefund, TxScheduled:
		return true
	}
	return false
}

// TransactionStatus is the lifecycle state of a transaction row.
type TransactionStatus string

const (
	TxPending TransactionStatus = "pending"
	TxSuccess TransactionStatus = "success"
	TxFailed  TransactionStatus = "failed"
)

// Transaction is an append-only ledger movement. Amount is signed; debits are negative.
type Transaction struct {
	ID                string
	UserID            string
	Type              TransactionType
	Amount            int64
	Status            TransactionStatus
	Reference         string
	ExternalReference *string
	Description       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WalletResult is returned by balance-mutating primitives.
type WalletResult struct {
	Balance     int64
	Transaction Transaction
}

// ServiceParams describes what to buy from the provider.
type ServiceParams struct {
	Service     TransactionType `json:"service" validate:"required,oneof=airtime data cable electricity"`
	ProductCode string          `json:"product_code,omitempty"`
	Target      string          `json:"target" validate:"required,min=6,max=32"`
	Network     string          `json:"network,omitempty"`
	Amount      int64           `json:"amount" validate:"required,gt=0"`
}

// GiftStatus is a state of the gift crediting state machine.
type GiftStatus string

const (
	GiftScheduled GiftStatus = "scheduled"
	GiftDelivered GiftStatus = "delivered"
	GiftOpened    GiftStatus = "opened"
	GiftCrediting GiftStatus = "crediting"
	GiftCredited  GiftStatus = "credited"
	GiftExpired   GiftStatus = "expired"
	GiftCancelled GiftStatus = "cancelled"
)

// GiftCard is a pending benefit transfer pre-debited from the sender.
type GiftCard struct {
	ID                string
	SenderID          string
	Amount            int64
	ServiceType       string
	ProductCode       string
	RecipientUserID   *string
	RecipientEmail    *string
	RecipientPhone    *string
	Message           *string
	Status            GiftStatus
	RetryCount        int
	MaxRetries        int
	LastError         *string
	ExpiresAt         time.Time
	DeliverAt         *time.Time
	ProviderReference *string
	TransactionID     *string
	ClaimedBy         *string
	ClaimedAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// GiftTransition describes a conditional status change keyed on the current status.
type GiftTransition struct {
	GiftID string
	From   []GiftStatus
	To     GiftStatus
	// RetryBelow, when set, additionally requires retry_count < *RetryBelow.
	RetryBelow        *int
	IncrementRetry    bool
	// ReleaseRetry gives back the attempt consumed when entering crediting.
	ReleaseRetry      bool
	LastError         *string
	ProviderReference *string
	TransactionID     *string
	ClaimedBy         *string
	ClaimedAt         *time.Time
	Now               time.Time
}

// GiftTransitionResult reports whether the transition applied and the resulting row.
type GiftTransitionResult struct {
	Applied bool
	Gift    *GiftCard
}

// Frequency is the persisted recurrence descriptor of a scheduled purchase.
type Frequency struct {
	Kind         string `json:"kind" validate:"required,oneof=daily weekly monthly days_of_week interval_days"`
	TimeOfDay    string `json:"time_of_day" validate:"required,len=5"`
	Weekdays     []int  `json:"weekdays,omitempty" validate:"dive,min=0,max=6"`
	DayOfMonth   int    `json:"day_of_month,omitempty" validate:"min=0,max=31"`
	IntervalDays int    `json:"interval_days,omitempty" validate:"min=0,max=366"`
	Timezone     string `json:"timezone,omitempty"`
}

// ScheduledPurchase is a recurring purchase intent.
type ScheduledPurchase struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	Params       ServiceParams `json:"params"`
	Frequency    Frequency     `json:"frequency"`
	NextRunAt    time.Time     `json:"next_run_at"`
	RetryCount   int           `json:"retry_count"`
	MaxRetries   int           `json:"max_retries"`
	SuccessCount int           `json:"success_count"`
	FailureCount int           `json:"failure_count"`
	IsActive     bool          `json:"is_active"`
	PausedAt     *time.Time    `json:"paused_at,omitempty"`
	PauseReason  *string       `json:"pause_reason,omitempty"`
	LastRunAt    *time.Time    `json:"last_run_at,omitempty"`
	LockedUntil  *time.Time    `json:"locked_until,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ExecutionLog records one scheduler decision for a schedule.
type ExecutionLog struct {
	ID         string     `json:"id"`
	ScheduleID string     `json:"schedule_id"`
	UserID     string     `json:"user_id"`
	Outcome    string     `json:"outcome"`
	Message    string     `json:"message"`
	Reference  *string    `json:"reference,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// JobStatus is the lifecycle state of a background job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job is a persisted background job row.
type Job struct {
	ID          string
	Type        string
	Payload     []byte
	Status      JobStatus
	RetryCount  int
	MaxRetries  int
	ScheduledAt time.Time
	LastError   *string
	LockedAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IdempotencyStatus is the state of an idempotency record.
type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencyCompleted IdempotencyStatus = "completed"
)

// IdempotencyRecord maps an operation key to its stored result.
type IdempotencyRecord struct {
	Key         string
	Status      IdempotencyStatus
	Result      []byte
	LockedUntil time.Time
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// IdempotencyReservation carries the timestamps used when reserving a key.
type IdempotencyReservation struct {
	Key         string
	Now         time.Time
	LockedUntil time.Time
	ExpiresAt   time.Time
}

// User holds the contact details used for notifications.
type User struct {
	ID          string
	Email       *string
	Phone       *string
	DisplayName *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
