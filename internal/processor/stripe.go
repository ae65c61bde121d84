package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"bountyhub/internal/config"
	"bountyhub/internal/reconcile"
	"bountyhub/internal/settlement"
)

// ErrNotConfigured is returned by Disabled for every call.
var ErrNotConfigured = errors.New("payment processor is not configured")

// Stripe implements settlement.Processor on top of Stripe Connect.
type Stripe struct {
	api      *client.API
	clientID string
}

var _ settlement.Processor = (*Stripe)(nil)

// NewStripe builds an adapter from the processor config. backends may be
// nil, in which case the public Stripe endpoints are used.
func NewStripe(cfg config.ProcessorConfig, backends *stripe.Backends) (*Stripe, error) {
	if cfg.SecretKey == "" {
		return nil, ErrNotConfigured
	}
	return &Stripe{api: client.New(cfg.SecretKey, backends), clientID: cfg.ClientID}, nil
}

func metadata(p *stripe.Params, md map[string]string) {
	for k, v := range md {
		p.AddMetadata(k, v)
	}
}

func (s *Stripe) CreatePayerProfile(ctx context.Context, req settlement.PayerProfileRequest) (string, error) {
	params := &stripe.CustomerParams{Email: stripe.String(req.Email)}
	if req.Name != "" {
		params.Name = stripe.String(req.Name)
	}
	params.Context = ctx
	params.AddMetadata("userId", req.UserID)
	c, err := s.api.Customers.New(params)
	if err != nil {
		return "", mapErr(err)
	}
	return c.ID, nil
}

func (s *Stripe) CreatePaymentIntent(ctx context.Context, req settlement.IntentRequest) (settlement.Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
		Customer: stripe.String(req.CustomerID),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	metadata(&params.Params, req.Metadata)
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return settlement.Intent{}, mapErr(err)
	}
	return settlement.Intent{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (s *Stripe) CreatePayeeAccount(ctx context.Context, req settlement.PayeeAccountRequest) (string, error) {
	params := &stripe.AccountParams{
		Type:         stripe.String(string(stripe.AccountTypeExpress)),
		Country:      stripe.String(req.Country),
		Email:        stripe.String(req.Email),
		BusinessType: stripe.String(string(stripe.AccountBusinessTypeIndividual)),
		Capabilities: &stripe.AccountCapabilitiesParams{
			Transfers: &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
		},
		BusinessProfile: &stripe.AccountBusinessProfileParams{URL: stripe.String(req.BusinessURL)},
	}
	params.Context = ctx
	params.AddMetadata("userId", req.UserID)
	acct, err := s.api.Accounts.New(params)
	if err != nil {
		return "", mapErr(err)
	}
	return acct.ID, nil
}

func (s *Stripe) CreateOnboardingLink(ctx context.Context, req settlement.OnboardingLinkRequest) (string, error) {
	params := &stripe.AccountLinkParams{
		Account:    stripe.String(req.AccountID),
		RefreshURL: stripe.String(req.RefreshURL),
		ReturnURL:  stripe.String(req.ReturnURL),
		Type:       stripe.String("account_onboarding"),
	}
	params.Context = ctx
	link, err := s.api.AccountLinks.New(params)
	if err != nil {
		return "", mapErr(err)
	}
	return link.URL, nil
}

func (s *Stripe) DeletePayeeAccount(ctx context.Context, accountID string) error {
	params := &stripe.AccountParams{}
	params.Context = ctx
	_, err := s.api.Accounts.Del(accountID, params)
	var se *stripe.Error
	if errors.As(err, &se) && se.Code == stripe.ErrorCodeAccountInvalid {
		return fmt.Errorf("%w: %s", settlement.ErrAccountInvalid, se.Msg)
	}
	return mapErr(err)
}

func (s *Stripe) DeauthorizePayeeAccount(ctx context.Context, accountID string) error {
	if s.clientID == "" {
		return fmt.Errorf("deauthorize %s: connect client id is not configured", accountID)
	}
	params := &stripe.DeauthorizeParams{
		ClientID:     stripe.String(s.clientID),
		StripeUserID: stripe.String(accountID),
	}
	params.Context = ctx
	_, err := s.api.OAuth.Del(params)
	return mapErr(err)
}

func (s *Stripe) CreateTransfer(ctx context.Context, req settlement.TransferRequest) (string, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(req.Currency),
		Destination: stripe.String(req.DestinationAccountID),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	metadata(&params.Params, req.Metadata)
	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return "", mapErr(err)
	}
	return tr.ID, nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if errors.As(err, &se) && se.Msg != "" {
		return fmt.Errorf("stripe %s: %s", se.Type, se.Msg)
	}
	return err
}

// WebhookVerifier checks Stripe-Signature headers against the endpoint secret.
type WebhookVerifier struct {
	Secret string
}

var _ reconcile.Verifier = WebhookVerifier{}

func (v WebhookVerifier) Verify(payload []byte, signature string) (reconcile.AccountEvent, error) {
	if v.Secret == "" {
		return reconcile.AccountEvent{}, fmt.Errorf("%w: webhook secret is not configured", reconcile.ErrInvalidSignature)
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, v.Secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return reconcile.AccountEvent{}, fmt.Errorf("%w: %v", reconcile.ErrInvalidSignature, err)
	}
	out := reconcile.AccountEvent{ID: ev.ID, Type: string(ev.Type)}
	if out.Type != reconcile.AccountUpdated || ev.Data == nil {
		return out, nil
	}
	var acct stripe.Account
	if err := json.Unmarshal(ev.Data.Raw, &acct); err != nil {
		return reconcile.AccountEvent{}, fmt.Errorf("decode account: %w", err)
	}
	out.AccountID = acct.ID
	out.PayoutsEnabled = acct.PayoutsEnabled
	return out, nil
}

// Disabled stands in when no secret key is configured; every call fails.
type Disabled struct{}

var _ settlement.Processor = Disabled{}

func (Disabled) CreatePayerProfile(context.Context, settlement.PayerProfileRequest) (string, error) {
	return "", ErrNotConfigured
}

func (Disabled) CreatePaymentIntent(context.Context, settlement.IntentRequest) (settlement.Intent, error) {
	return settlement.Intent{}, ErrNotConfigured
}

func (Disabled) CreatePayeeAccount(context.Context, settlement.PayeeAccountRequest) (string, error) {
	return "", ErrNotConfigured
}

func (Disabled) CreateOnboardingLink(context.Context, settlement.OnboardingLinkRequest) (string, error) {
	return "", ErrNotConfigured
}

func (Disabled) DeletePayeeAccount(context.Context, string) error      { return ErrNotConfigured }
func (Disabled) DeauthorizePayeeAccount(context.Context, string) error { return ErrNotConfigured }

func (Disabled) CreateTransfer(context.Context, settlement.TransferRequest) (string, error) {
	return "", ErrNotConfigured
}
