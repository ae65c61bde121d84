package settlement

import (
	"context"
	"errors"
)

// ErrAccountInvalid is returned by DeletePayeeAccount when the processor no
// longer accepts the account for deletion, e.g. a standard account that was
// connected through OAuth.
var ErrAccountInvalid = errors.New("payee account is invalid at the processor")

// Processor is the external payment processor.
type Processor interface {
	CreatePayerProfile(ctx context.Context, req PayerProfileRequest) (string, error)
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error)
	CreatePayeeAccount(ctx context.Context, req PayeeAccountRequest) (string, error)
	CreateOnboardingLink(ctx context.Context, req OnboardingLinkRequest) (string, error)
	DeletePayeeAccount(ctx context.Context, accountID string) error
	DeauthorizePayeeAccount(ctx context.Context, accountID string) error
	CreateTransfer(ctx context.Context, req TransferRequest) (string, error)
}

type PayerProfileRequest struct {
	UserID string
	Email  string
	Name   string
}

type IntentRequest struct {
	Amount     int64
	Currency   string
	CustomerID string
	Metadata   map[string]string
}

type Intent struct {
	ID           string
	ClientSecret string
}

type PayeeAccountRequest struct {
	UserID      string
	Email       string
	BusinessURL string
	Country     string
}

type OnboardingLinkRequest struct {
	AccountID  string
	RefreshURL string
	ReturnURL  string
}

type TransferRequest struct {
	Amount               int64
	Currency             string
	DestinationAccountID string
	IdempotencyKey       string
	Metadata             map[string]string
}
