package repo

import "time"

// ConversationState tracks one counterpart's position in a funnel. The key
// (tenant, bot, counterpart) is immutable after creation.
type ConversationState struct {
	TenantID          string
	BotID             string
	Counterpart       string
	DisplayName       string
	CurrentNodeID     string
	WaitingForReply   bool
	CompletedFunnel   bool
	Variables         map[string]any
	LastInteractionAt time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PaymentStatus is the reconciliation state of a payment session.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentExpired  PaymentStatus = "expired"
	PaymentFailed   PaymentStatus = "failed"
)

// Terminal reports whether no further status transition is permitted.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentPaid, PaymentRefunded, PaymentExpired, PaymentFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s PaymentStatus) Valid() bool {
	return s == PaymentPending || s.Terminal()
}

// PaymentSession is one payment intent merged from webhook and polling
// updates. Amount is in integer minor units.
type PaymentSession struct {
	ID              string
	TenantID        string
	BotID           string
	Counterpart     string
	TransactionID   string
	AmountMinor     int64
	Gateway         string
	Status          PaymentStatus
	StatusUpdatedAt time.Time
	LastWebhookAt   *time.Time
	LastPollingAt   *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PaymentSource identifies which side of the race produced an update.
type PaymentSource string

const (
	SourceWebhook PaymentSource = "webhook"
	SourcePolling PaymentSource = "polling"
)

// PlanName is a subscription tier.
type PlanName string

const (
	PlanNone       PlanName = "none"
	PlanStandard   PlanName = "standard"
	PlanBusiness   PlanName = "business"
	PlanEnterprise PlanName = "enterprise"
)

// ExtraSlot is one purchased slot top-up, removable by its payment id.
type ExtraSlot struct {
	Count     int    `json:"count"`
	PaymentID string `json:"payment_id"`
}

// Subscription is a tenant's plan lifecycle record.
type Subscription struct {
	ID            string
	TenantID      string
	PlanName      PlanName
	Status        string
	StartDate     time.Time
	ExpiresAt     time.Time
	PaymentID     string
	SlotsExpireAt time.Time
	ExtraSlots    []ExtraSlot
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Subscription status values.
const (
	SubscriptionActive    = "active"
	SubscriptionExpired   = "expired"
	SubscriptionCancelled = "cancelled"
	SubscriptionRefunded  = "refunded"
)

// Refund records a reimbursement issued against a payment.
type Refund struct {
	ID            string
	TenantID      string
	PaymentID     string
	TransactionID string
	AmountMinor   int64
	Reason        string
	Gateway       string
	Status        string
	RefundedAt    time.Time
	CreatedAt     time.Time
}

// ContactSummary is one row of the paginated contact listing.
type ContactSummary struct {
	DisplayName       string
	Counterpart       string
	CompletedFunnel   bool
	LastInteractionAt time.Time
}

// ContactPage is a page of contacts plus funnel completion totals.
type ContactPage struct {
	Contacts       []ContactSummary
	Page           int
	Limit          int
	Total          int
	TotalPages     int
	TotalCompleted int
	TotalOpen      int
}
