package processor_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"bountyhub/internal/config"
	"bountyhub/internal/processor"
	"bountyhub/internal/reconcile"
	"bountyhub/internal/settlement"
)

func newStripe(t *testing.T, h http.HandlerFunc) *processor.Stripe {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	p, err := processor.NewStripe(config.ProcessorConfig{SecretKey: "sk_test_123", ClientID: "ca_123"},
		&stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	require.NoError(t, err)
	return p
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestNewStripeRequiresSecretKey(t *testing.T) {
	_, err := processor.NewStripe(config.ProcessorConfig{}, nil)
	require.ErrorIs(t, err, processor.ErrNotConfigured)
}

func TestCreateTransferSendsIdempotencyKey(t *testing.T) {
	var got http.Header
	var form map[string]string
	p := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/transfers", r.URL.Path)
		require.NoError(t, r.ParseForm())
		got = r.Header.Clone()
		form = map[string]string{
			"amount":      r.PostForm.Get("amount"),
			"currency":    r.PostForm.Get("currency"),
			"destination": r.PostForm.Get("destination"),
			"bounty":      r.PostForm.Get("metadata[bountyId]"),
		}
		writeJSON(w, http.StatusOK, `{"id":"tr_123","object":"transfer"}`)
	})

	id, err := p.CreateTransfer(context.Background(), settlement.TransferRequest{
		Amount:               19000,
		Currency:             "usd",
		DestinationAccountID: "acct_1",
		IdempotencyKey:       settlement.IdempotencyKey("b-1"),
		Metadata:             map[string]string{"bountyId": "b-1"},
	})
	require.NoError(t, err)
	require.Equal(t, "tr_123", id)
	require.Equal(t, "bounty-settlement-b-1", got.Get("Idempotency-Key"))
	require.Equal(t, map[string]string{"amount": "19000", "currency": "usd", "destination": "acct_1", "bounty": "b-1"}, form)
}

func TestDeleteInvalidAccountMapsToErrAccountInvalid(t *testing.T) {
	p := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/v1/accounts/acct_1", r.URL.Path)
		writeJSON(w, http.StatusBadRequest, `{"error":{"type":"invalid_request_error","code":"account_invalid","message":"cannot delete"}}`)
	})
	err := p.DeletePayeeAccount(context.Background(), "acct_1")
	require.ErrorIs(t, err, settlement.ErrAccountInvalid)
}

func TestDeleteMissingAccountIsNotAccountInvalid(t *testing.T) {
	p := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such account: 'acct_1'"}}`)
	})
	err := p.DeletePayeeAccount(context.Background(), "acct_1")
	require.Error(t, err)
	require.False(t, errors.Is(err, settlement.ErrAccountInvalid))
	require.Contains(t, err.Error(), "No such account")
}

func TestDeauthorizePayeeAccount(t *testing.T) {
	var form map[string]string
	p := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/oauth/deauthorize", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form = map[string]string{
			"client_id":      r.PostForm.Get("client_id"),
			"stripe_user_id": r.PostForm.Get("stripe_user_id"),
		}
		writeJSON(w, http.StatusOK, `{"stripe_user_id":"acct_1"}`)
	})
	require.NoError(t, p.DeauthorizePayeeAccount(context.Background(), "acct_1"))
	require.Equal(t, map[string]string{"client_id": "ca_123", "stripe_user_id": "acct_1"}, form)
}

func TestDeauthorizeRequiresClientID(t *testing.T) {
	p, err := processor.NewStripe(config.ProcessorConfig{SecretKey: "sk_test_123"}, nil)
	require.NoError(t, err)
	err = p.DeauthorizePayeeAccount(context.Background(), "acct_1")
	require.ErrorContains(t, err, "client id is not configured")
}

func TestTransferFailureIsNotAccountInvalid(t *testing.T) {
	p := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, `{"error":{"type":"invalid_request_error","code":"balance_insufficient","message":"insufficient funds"}}`)
	})
	_, err := p.CreateTransfer(context.Background(), settlement.TransferRequest{Amount: 100, Currency: "usd", DestinationAccountID: "acct_1"})
	require.Error(t, err)
	require.False(t, errors.Is(err, settlement.ErrAccountInvalid))
}

func TestWebhookVerifier(t *testing.T) {
	payload := []byte(`{"id":"evt_1","object":"event","type":"account.updated","data":{"object":{"id":"acct_1","object":"account","payouts_enabled":true}}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})
	v := processor.WebhookVerifier{Secret: "whsec_test"}

	ev, err := v.Verify(payload, signed.Header)
	require.NoError(t, err)
	require.Equal(t, reconcile.AccountEvent{ID: "evt_1", Type: reconcile.AccountUpdated, AccountID: "acct_1", PayoutsEnabled: true}, ev)

	_, err = processor.WebhookVerifier{Secret: "whsec_other"}.Verify(payload, signed.Header)
	require.ErrorIs(t, err, reconcile.ErrInvalidSignature)

	_, err = processor.WebhookVerifier{}.Verify(payload, signed.Header)
	require.ErrorIs(t, err, reconcile.ErrInvalidSignature)
}

func TestWebhookVerifierPassesOtherEventTypes(t *testing.T) {
	payload := []byte(`{"id":"evt_2","object":"event","type":"payout.paid","data":{"object":{"id":"po_1","object":"payout"}}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: "whsec_test", Timestamp: time.Now()})

	ev, err := processor.WebhookVerifier{Secret: "whsec_test"}.Verify(payload, signed.Header)
	require.NoError(t, err)
	require.Equal(t, "payout.paid", ev.Type)
	require.Empty(t, ev.AccountID)
}

func TestDisabledProcessor(t *testing.T) {
	var p settlement.Processor = processor.Disabled{}
	_, err := p.CreateTransfer(context.Background(), settlement.TransferRequest{})
	require.ErrorIs(t, err, processor.ErrNotConfigured)
}
