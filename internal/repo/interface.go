package repo

import (
	"context"
	"io/fs"
	"time"
)

// Repository defines the atomic persistence primitives consumed by the engine.
// Every balance mutation is paired with exactly one transaction row inside
// the same database transaction.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Users
	UpsertUser(ctx context.Context, user User) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)

	// Wallet
	GetBalance(ctx context.Context, userID string) (int64, error)
	DebitWallet(ctx context.Context, userID string, amount int64, txn Transaction) (*WalletResult, error)
	CreditWallet(ctx context.Context, userID string, amount int64, txn Transaction) (*WalletResult, error)

	// Transactions
	InsertTransaction(ctx context.Context, txn Transaction) (*Transaction, error)
	GetTransactionByRef(ctx context.Context, ref string) (*Transaction, error)
	UpdateTransactionStatus(ctx context.Context, ref string, from, to TransactionStatus, externalRef *string) (bool, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error)

	// Gifts
	CreateGiftWithDebit(ctx context.Context, gift GiftCard, txn Transaction) (*GiftCard, *WalletResult, error)
	GetGift(ctx context.Context, id string) (*GiftCard, error)
	TransitionGift(ctx context.Context, tr GiftTransition) (*GiftTransitionResult, error)
	ListGiftsDueForDelivery(ctx context.Context, now time.Time, limit int) ([]GiftCard, error)
	ListStaleCreditingGifts(ctx context.Context, before time.Time, limit int) ([]GiftCard, error)

	// Schedules
	InsertSchedule(ctx context.Context, s ScheduledPurchase) (*ScheduledPurchase, error)
	GetSchedule(ctx context.Context, id string) (*ScheduledPurchase, error)
	ListDueSchedules(ctx context.Context, dueBefore, now time.Time, limit int) ([]ScheduledPurchase, error)
	ClaimSchedule(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error)
	SaveScheduleState(ctx context.Context, s ScheduledPurchase) error
	InsertExecutionLog(ctx context.Context, entry ExecutionLog) error
	ListExecutionLogs(ctx context.Context, scheduleID string, limit int) ([]ExecutionLog, error)

	// Jobs
	InsertJob(ctx context.Context, job Job) (*Job, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	ClaimDueJobs(ctx context.Context, now, staleBefore time.Time, limit int) ([]Job, error)
	CompleteJob(ctx context.Context, id string, now time.Time) error
	RescheduleJob(ctx context.Context, id string, retryCount int, at time.Time, lastError string) error
	FailJob(ctx context.Context, id string, retryCount int, lastError string, now time.Time) error

	// Idempotency
	ReserveIdempotencyKey(ctx context.Context, res IdempotencyReservation) (bool, *IdempotencyRecord, error)
	GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error)
	CompleteIdempotencyKey(ctx context.Context, key string, result []byte, expiresAt time.Time) error
	ReleaseIdempotencyKey(ctx context.Context, key string) error
	PurgeIdempotencyKeys(ctx context.Context, now time.Time) (int64, error)
}
