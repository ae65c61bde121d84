package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"bountyhub/internal/reconcile"
	"bountyhub/internal/settlement"
)

var paymentErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusServiceUnavailable,
}

func registerPayments(api huma.API, s settlement.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "create-payment-intent",
		Method:      http.MethodPost,
		Path:        "/payments/intent",
		Summary:     "Start funding a bounty",
		Errors:      paymentErrors,
	}, func(ctx context.Context, input *struct {
		Body PaymentIntentRequest
	}) (*intentOutput, error) {
		actor, err := userActor(ctx)
		if err != nil {
			return nil, err
		}
		pi, err := s.CreatePaymentIntent(ctx, actor, input.Body.BountyID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &intentOutput{Body: pi}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-payout-account",
		Method:      http.MethodPost,
		Path:        "/payments/connect-account",
		Summary:     "Create the caller's payout account",
		Errors:      paymentErrors,
	}, func(ctx context.Context, _ *struct{}) (*payoutAccountOutput, error) {
		actor, err := userActor(ctx)
		if err != nil {
			return nil, err
		}
		acct, err := s.CreatePayoutAccount(ctx, actor)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &payoutAccountOutput{Body: acct}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-payout-link",
		Method:      http.MethodGet,
		Path:        "/payments/connect-account/link",
		Summary:     "Fresh onboarding link for the caller's payout account",
		Errors:      paymentErrors,
	}, func(ctx context.Context, _ *struct{}) (*payoutAccountOutput, error) {
		actor, err := userActor(ctx)
		if err != nil {
			return nil, err
		}
		acct, err := s.GetPayoutLink(ctx, actor)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &payoutAccountOutput{Body: acct}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "disconnect-payout-account",
		Method:        http.MethodPost,
		Path:          "/payments/connect-account/disconnect",
		Summary:       "Remove the caller's payout account",
		DefaultStatus: http.StatusNoContent,
		Errors:        paymentErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		actor, err := userActor(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.DisconnectPayoutAccount(ctx, actor); err != nil {
			return nil, handleError(ctx, err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "settle-bounty",
		Method:      http.MethodPost,
		Path:        "/payments/process/{bounty_id}",
		Summary:     "Pay out an approved bounty",
		Errors:      paymentErrors,
	}, func(ctx context.Context, input *struct {
		BountyID string `path:"bounty_id"`
	}) (*settlementOutput, error) {
		actor, err := userActor(ctx)
		if err != nil {
			return nil, err
		}
		res, err := s.SettleBounty(ctx, actor, input.BountyID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &settlementOutput{Body: res}, nil
	})
}

// registerPayoutWebhook accepts processor deliveries. Anything short of a
// storage failure is acknowledged so the processor does not retry it.
func registerPayoutWebhook(api huma.API, r reconcile.Reconciler) {
	huma.Register(api, huma.Operation{
		OperationID: "payout-account-webhook",
		Method:      http.MethodPost,
		Path:        "/payments/connect-account/webhook",
		Summary:     "Processor account webhook",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Signature string `header:"Stripe-Signature"`
		RawBody   []byte
	}) (*webhookOutput, error) {
		res, err := r.HandlePayoutAccountWebhook(ctx, input.RawBody, input.Signature)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &webhookOutput{Body: res}, nil
	})
}
