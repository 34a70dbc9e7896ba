package jobs

// Job type names.
const (
	TypeRefund            = "refund"
	TypeVerifyTransaction = "verify_transaction"
	TypeNotify            = "notify"
	TypePurgeIdempotency  = "purge_idempotency"
)

// RefundPayload reverses a debit that could not be settled inline.
type RefundPayload struct {
	Reference string `json:"reference"`
	Reason    string `json:"reason,omitempty"`
}

func (RefundPayload) JobType() string { return TypeRefund }

// VerifyTransactionPayload polls the provider for a processing purchase.
type VerifyTransactionPayload struct {
	Reference string `json:"reference"`
	UserID    string `json:"user_id"`
}

func (VerifyTransactionPayload) JobType() string { return TypeVerifyTransaction }

// NotifyPayload delivers a user notification out of band.
type NotifyPayload struct {
	UserID string         `json:"user_id"`
	Kind   string         `json:"kind"`
	Data   map[string]any `json:"data,omitempty"`
}

func (NotifyPayload) JobType() string { return TypeNotify }

// PurgeIdempotencyPayload clears expired idempotency records.
type PurgeIdempotencyPayload struct{}

func (PurgeIdempotencyPayload) JobType() string { return TypePurgeIdempotency }
