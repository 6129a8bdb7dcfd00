package repo

import (
	"context"
	"io/fs"
	"time"

	"chatfunnel/internal/calling"
	"chatfunnel/internal/funnel"
)

// Store defines the interface for data persistence. *Repository is the pgx
// implementation; consumers that only need a slice of it declare their own
// narrow interfaces.
type Store interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Funnels
	PublishFunnel(ctx context.Context, tenantID, botID string, nodes []funnel.Node) (*funnel.Graph, error)
	SetFunnelActive(ctx context.Context, tenantID, botID string, active bool) error
	GetFunnel(ctx context.Context, tenantID, botID string) (*funnel.Graph, error)
	GetFunnelStatus(ctx context.Context, tenantID, botID string) (bool, int, error)
	DeleteFunnel(ctx context.Context, tenantID, botID string) error

	// Conversation states
	EnsureState(ctx context.Context, tenantID, botID, counterpart, displayName string) (*ConversationState, error)
	GetState(ctx context.Context, tenantID, botID, counterpart string) (*ConversationState, error)
	ApplyTransition(ctx context.Context, tenantID, botID, counterpart, fromNode, toNode string, waiting, completed bool, variables map[string]any) (bool, error)
	MarkFunnelCompleted(ctx context.Context, tenantID, botID, counterpart string) error
	ResetState(ctx context.Context, tenantID, botID, counterpart string) error
	DeleteState(ctx context.Context, tenantID, botID, counterpart string) error
	DeleteStatesByBot(ctx context.Context, tenantID, botID string) error
	ListContacts(ctx context.Context, tenantID, botID string, page, limit int) (*ContactPage, error)
	AddContactTag(ctx context.Context, tenantID, botID, counterpart, tag string) error

	// Callings
	SaveCallingConfig(ctx context.Context, tenantID, botID string, callings []calling.Calling) error
	GetCallingConfig(ctx context.Context, tenantID, botID string) ([]calling.Calling, error)
	BulkSetCallingEnabled(ctx context.Context, tenantID, botID string, updates []calling.StatusUpdate) (int64, error)
	DeleteCallingConfig(ctx context.Context, tenantID, botID string) error

	// Payments
	UpsertPaymentSession(ctx context.Context, session PaymentSession) (*PaymentSession, error)
	GetPaymentSession(ctx context.Context, tenantID, botID, counterpart string) (*PaymentSession, error)
	TouchPaymentSource(ctx context.Context, tenantID, botID, counterpart string, source PaymentSource, at time.Time) error
	ApplyPaymentStatus(ctx context.Context, tenantID, botID, counterpart string, next PaymentStatus) (bool, PaymentStatus, error)
	ListPendingPayments(ctx context.Context, limit int) ([]PaymentSession, error)
	InsertRefund(ctx context.Context, refund Refund) (*Refund, error)
	ListRefundsByTenant(ctx context.Context, tenantID string) ([]Refund, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, tenantID string, plan PlanName, paymentID string, start, expiresAt time.Time) (*Subscription, error)
	GetActiveSubscription(ctx context.Context, tenantID string) (*Subscription, error)
	ExpireSubscriptionIfDue(ctx context.Context, subscriptionID string) (bool, error)
	ExpireOutdatedSubscriptions(ctx context.Context) (int64, error)
	UpgradeSubscription(ctx context.Context, tenantID string, plan PlanName, paymentID string, start, expiresAt time.Time) (*Subscription, error)
	RenewSubscription(ctx context.Context, tenantID, paymentID string, start, expiresAt time.Time, keepSlots bool) (*Subscription, error)
	CancelSubscription(ctx context.Context, tenantID string) (*Subscription, error)
	AddExtraSlots(ctx context.Context, tenantID string, count int, paymentID string) (*Subscription, error)
	RemoveExtraSlotsByPayment(ctx context.Context, tenantID, paymentID string) (*Subscription, error)
}

var _ Store = (*Repository)(nil)
