package payments

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"chatfunnel/internal/metrics"
	"chatfunnel/internal/repo"
)

// ChargeRequest describes the checkout to open at the gateway.
type ChargeRequest struct {
	ReferenceID string
	AmountMinor int64
	Method      string
	Description string
}

// ChargeHandle is the checkout the gateway issued.
type ChargeHandle struct {
	TransactionID string
	ReferenceID   string
	CheckoutURL   string
	QRString      string
	ExpiresAt     string
}

// ChargeCreator opens checkouts at the payment gateway.
type ChargeCreator interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeHandle, error)
}

// ChargeIntent is a request to collect a payment from a counterpart.
type ChargeIntent struct {
	TenantID    string
	BotID       string
	Counterpart string
	AmountMinor int64
	Method      string
	Description string
}

// OpenedCharge pairs the registered session with the checkout handle the
// counterpart needs to pay.
type OpenedCharge struct {
	Session     *repo.PaymentSession
	CheckoutURL string
	QRString    string
	ExpiresAt   string
}

// Charges opens gateway checkouts and registers the matching payment intent,
// so the session carries a transaction id and the poller can track it even if
// no webhook ever arrives.
type Charges struct {
	gateway     ChargeCreator
	reconciler  *Reconciler
	gatewayName string
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

func NewCharges(gw ChargeCreator, reconciler *Reconciler, gatewayName string, logger *slog.Logger, m *metrics.Metrics) *Charges {
	return &Charges{
		gateway:     gw,
		reconciler:  reconciler,
		gatewayName: gatewayName,
		logger:      logger.With(slog.String("component", "charges")),
		metrics:     m,
	}
}

// Open creates the charge at the gateway and registers the payment intent.
func (c *Charges) Open(ctx context.Context, intent ChargeIntent) (*OpenedCharge, error) {
	if intent.TenantID == "" || intent.BotID == "" || intent.Counterpart == "" {
		return nil, validationError("charge intent missing tenant, bot or counterpart")
	}
	if intent.AmountMinor <= 0 {
		return nil, validationError("charge amount must be positive")
	}

	handle, err := c.gateway.CreateCharge(ctx, ChargeRequest{
		ReferenceID: uuid.NewString(),
		AmountMinor: intent.AmountMinor,
		Method:      intent.Method,
		Description: intent.Description,
	})
	if err != nil {
		c.metrics.Errors.WithLabelValues("charges").Inc()
		return nil, fmt.Errorf("create charge: %w", err)
	}

	session, err := c.reconciler.RegisterIntent(ctx, repo.PaymentSession{
		TenantID:      intent.TenantID,
		BotID:         intent.BotID,
		Counterpart:   intent.Counterpart,
		TransactionID: handle.TransactionID,
		AmountMinor:   intent.AmountMinor,
		Gateway:       c.gatewayName,
	})
	if err != nil {
		return nil, fmt.Errorf("register intent: %w", err)
	}

	c.logger.Info("charge opened",
		slog.String("counterpart", intent.Counterpart),
		slog.String("transaction_id", handle.TransactionID),
		slog.String("amount", FormatAmount(intent.AmountMinor)))
	return &OpenedCharge{
		Session:     session,
		CheckoutURL: handle.CheckoutURL,
		QRString:    handle.QRString,
		ExpiresAt:   handle.ExpiresAt,
	}, nil
}
