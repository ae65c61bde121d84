package settlement

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"bountyhub/internal/apperr"
	"bountyhub/internal/config"
	"bountyhub/internal/domain"
	"bountyhub/internal/engine"
	"bountyhub/internal/engine/auth"
	"bountyhub/internal/events"
	"bountyhub/internal/money"
	"bountyhub/internal/repo"
)

const (
	DefaultTimeout     = 10 * time.Second
	defaultBusinessURL = "https://bountyhub.com"
)

// IdempotencyKey is the stable transfer key for a bounty's payout.
func IdempotencyKey(bountyID string) string {
	return "bounty-settlement-" + bountyID
}

// Service bridges the bounty state machine to the payment processor.
type Service struct {
	Engine      engine.Engine
	Processor   Processor
	Fees        money.Schedule
	Timeout     time.Duration
	FrontendURL string
	Country     string
	Logger      *slog.Logger
}

func New(eng engine.Engine, p Processor, cfg *config.Config) Service {
	s := Service{
		Engine:    eng,
		Processor: p,
		Fees:      money.Default,
		Timeout:   DefaultTimeout,
		Logger:    eng.Logger,
	}
	if cfg != nil {
		s.Fees = money.Schedule{BasisPoints: cfg.Payments.PlatformFeeBPS}
		if cfg.Payments.ProcessorTimeout > 0 {
			s.Timeout = cfg.Payments.ProcessorTimeout
		}
		s.FrontendURL = cfg.Payments.FrontendURL
		s.Country = cfg.Payments.Country
	}
	return s
}

// SettlementResult is the outcome of a successful payout.
type SettlementResult struct {
	Bounty   domain.Bounty   `json:"bounty"`
	Transfer domain.Transfer `json:"transfer"`
}

func (s Service) now() time.Time {
	if s.Engine.Now != nil {
		return s.Engine.Now()
	}
	return time.Now()
}

func (s Service) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func (s Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s Service) repo() repo.Repo { return s.Engine.Repo }

func (s Service) currency() string {
	if s.Engine.Config != nil && s.Engine.Config.Payments.Currency != "" {
		return s.Engine.Config.Payments.Currency
	}
	return config.DefaultCurrency
}

// call runs fn against the processor under the configured timeout.
func (s Service) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(callCtx)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAccountInvalid) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(apperr.DependencyUnavailable, "processor_timeout", err, op+" timed out")
	}
	return apperr.Wrap(apperr.DependencyUnavailable, "processor", err, op+" failed")
}

func (s Service) appendEvent(ctx context.Context, evtType, kind, id, actorID string, payload events.EventPayload) error {
	w := events.Writer{Now: s.now}
	return s.repo().WithTx(ctx, func(tx *sql.Tx) error {
		return w.Append(ctx, tx, evtType, kind, id, actorID, payload)
	})
}

func (s Service) user(ctx context.Context, id string) (domain.User, error) {
	u, err := s.repo().GetUser(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, apperr.Newf(apperr.NotFound, "user_not_found", "user %s not found", id)
	}
	if err != nil {
		return domain.User{}, apperr.Wrap(apperr.DependencyUnavailable, "storage", err, "load user")
	}
	return u, nil
}

// CreatePaymentIntent prices an open bounty for its payer. Nothing is
// stored apart from the payer profile id.
func (s Service) CreatePaymentIntent(ctx context.Context, actor auth.Actor, bountyID string) (domain.PaymentIntent, error) {
	b, err := s.Engine.GetBounty(ctx, bountyID)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	if err := s.Engine.Policy.Authorize(ctx, actor, domain.CmdFund, &b); err != nil {
		return domain.PaymentIntent{}, err
	}
	if b.Status != domain.StatusOpen {
		return domain.PaymentIntent{}, apperr.New(apperr.InvalidState, "not_open", "this bounty is not available for payment")
	}
	u, err := s.user(ctx, actor.ID)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	customerID, err := s.ensurePayerProfile(ctx, u)
	if err != nil {
		return domain.PaymentIntent{}, err
	}

	gross := b.Reward
	fee := s.Fees.PlatformFee(gross)
	total := s.Fees.TotalCharge(gross)
	var intent Intent
	err = s.call(ctx, "create payment intent", func(ctx context.Context) error {
		var err error
		intent, err = s.Processor.CreatePaymentIntent(ctx, IntentRequest{
			Amount:     total,
			Currency:   b.Currency,
			CustomerID: customerID,
			Metadata: map[string]string{
				"bountyId":     b.ID,
				"userId":       u.ID,
				"platformFee":  strconv.FormatInt(fee, 10),
				"bountyAmount": strconv.FormatInt(gross, 10),
			},
		})
		return err
	})
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	if err := s.appendEvent(ctx, events.PaymentIntentCreated, "bounty", b.ID, actor.ID, events.EventPayload{
		"intent_id": intent.ID,
		"total":     total,
	}); err != nil {
		s.logger().WarnContext(ctx, "record payment intent event", "bounty_id", b.ID, "err", err)
	}
	return domain.PaymentIntent{
		ID:                intent.ID,
		ClientSecret:      intent.ClientSecret,
		BountyID:          b.ID,
		Currency:          b.Currency,
		BountyAmount:      gross,
		PlatformFee:       fee,
		TotalAmount:       total,
		BountyAmountMajor: money.Format(gross),
		PlatformFeeMajor:  money.Format(fee),
		TotalAmountMajor:  money.Format(total),
	}, nil
}

// ensurePayerProfile creates the payer profile once. When two requests race,
// the first stored id wins and the loser's remote profile is orphaned.
func (s Service) ensurePayerProfile(ctx context.Context, u domain.User) (string, error) {
	if u.PayerProfileID != nil && *u.PayerProfileID != "" {
		return *u.PayerProfileID, nil
	}
	var created string
	err := s.call(ctx, "create payer profile", func(ctx context.Context) error {
		var err error
		created, err = s.Processor.CreatePayerProfile(ctx, PayerProfileRequest{UserID: u.ID, Email: u.Email, Name: u.Name})
		return err
	})
	if err != nil {
		return "", err
	}
	stored := false
	err = s.repo().WithTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.repo().SetPayerProfileIfAbsent(ctx, tx, u.ID, created, s.stamp())
		if err != nil || !ok {
			return err
		}
		stored = true
		return events.Writer{Now: s.now}.Append(ctx, tx, events.PayerProfileCreated, "user", u.ID, u.ID, events.EventPayload{"profile_id": created})
	})
	if err != nil {
		return "", apperr.Wrap(apperr.DependencyUnavailable, "storage", err, "store payer profile")
	}
	if stored {
		return created, nil
	}
	winner, err := s.user(ctx, u.ID)
	if err != nil {
		return "", err
	}
	s.logger().WarnContext(ctx, "payer profile created concurrently; orphaned remote profile",
		"user_id", u.ID, "orphaned_profile_id", created, "profile_id", derefOr(winner.PayerProfileID, ""))
	if winner.PayerProfileID == nil {
		return "", apperr.New(apperr.Conflict, "payer_profile_race", "payer profile changed concurrently")
	}
	return *winner.PayerProfileID, nil
}

// CreatePayoutAccount returns the caller's payee account, creating it and a
// first onboarding link when none exists.
func (s Service) CreatePayoutAccount(ctx context.Context, actor auth.Actor) (domain.PayoutAccount, error) {
	u, err := s.user(ctx, actor.ID)
	if err != nil {
		return domain.PayoutAccount{}, err
	}
	if u.PayeeProfileID != nil && *u.PayeeProfileID != "" {
		return domain.PayoutAccount{AccountID: *u.PayeeProfileID, PayoutsEnabled: u.PayoutsEnabled, Existing: true}, nil
	}
	businessURL := u.PortfolioURL
	if businessURL == "" {
		businessURL = defaultBusinessURL
	}
	var created string
	err = s.call(ctx, "create payee account", func(ctx context.Context) error {
		var err error
		created, err = s.Processor.CreatePayeeAccount(ctx, PayeeAccountRequest{
			UserID: u.ID, Email: u.Email, BusinessURL: businessURL, Country: s.Country,
		})
		return err
	})
	if err != nil {
		return domain.PayoutAccount{}, err
	}
	stored := false
	err = s.repo().WithTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.repo().SetPayeeProfileIfAbsent(ctx, tx, u.ID, created, s.stamp())
		if err != nil || !ok {
			return err
		}
		stored = true
		return events.Writer{Now: s.now}.Append(ctx, tx, events.PayeeAccountCreated, "user", u.ID, actor.ID, events.EventPayload{"account_id": created})
	})
	if err != nil {
		return domain.PayoutAccount{}, apperr.Wrap(apperr.DependencyUnavailable, "storage", err, "store payee account")
	}
	if !stored {
		winner, err := s.user(ctx, u.ID)
		if err != nil {
			return domain.PayoutAccount{}, err
		}
		s.logger().WarnContext(ctx, "payee account created concurrently; orphaned remote account",
			"user_id", u.ID, "orphaned_account_id", created, "account_id", derefOr(winner.PayeeProfileID, ""))
		if winner.PayeeProfileID == nil {
			return domain.PayoutAccount{}, apperr.New(apperr.Conflict, "payee_account_race", "payee account changed concurrently")
		}
		return domain.PayoutAccount{AccountID: *winner.PayeeProfileID, PayoutsEnabled: winner.PayoutsEnabled, Existing: true}, nil
	}
	link, err := s.onboardingLink(ctx, created)
	if err != nil {
		return domain.PayoutAccount{}, err
	}
	s.logger().InfoContext(ctx, "payee account created", "user_id", u.ID, "account_id", created)
	return domain.PayoutAccount{AccountID: created, OnboardingURL: link}, nil
}

// GetPayoutLink issues a fresh onboarding link. Links are never cached.
func (s Service) GetPayoutLink(ctx context.Context, actor auth.Actor) (domain.PayoutAccount, error) {
	u, err := s.user(ctx, actor.ID)
	if err != nil {
		return domain.PayoutAccount{}, err
	}
	if u.PayeeProfileID == nil || *u.PayeeProfileID == "" {
		return domain.PayoutAccount{}, apperr.New(apperr.NotFound, "no_payout_account", "no payout account found")
	}
	link, err := s.onboardingLink(ctx, *u.PayeeProfileID)
	if err != nil {
		return domain.PayoutAccount{}, err
	}
	return domain.PayoutAccount{AccountID: *u.PayeeProfileID, OnboardingURL: link, PayoutsEnabled: u.PayoutsEnabled, Existing: true}, nil
}

func (s Service) onboardingLink(ctx context.Context, accountID string) (string, error) {
	base := strings.TrimRight(s.FrontendURL, "/")
	var link string
	err := s.call(ctx, "create onboarding link", func(ctx context.Context) error {
		var err error
		link, err = s.Processor.CreateOnboardingLink(ctx, OnboardingLinkRequest{
			AccountID:  accountID,
			RefreshURL: base + "/settings/payments",
			ReturnURL:  base + "/settings/payments/complete",
		})
		return err
	})
	return link, err
}

// DisconnectPayoutAccount removes the payee account at the processor and
// unlinks it locally. Accounts the processor refuses to delete are
// deauthorized instead.
func (s Service) DisconnectPayoutAccount(ctx context.Context, actor auth.Actor) error {
	u, err := s.user(ctx, actor.ID)
	if err != nil {
		return err
	}
	if u.PayeeProfileID == nil || *u.PayeeProfileID == "" {
		return apperr.New(apperr.NotFound, "no_payout_account", "no payout account found")
	}
	accountID := *u.PayeeProfileID
	method := "deleted"
	err = s.call(ctx, "delete payee account", func(ctx context.Context) error {
		return s.Processor.DeletePayeeAccount(ctx, accountID)
	})
	if errors.Is(err, ErrAccountInvalid) {
		method = "deauthorized"
		s.logger().InfoContext(ctx, "payee account cannot be deleted; deauthorizing", "user_id", u.ID, "account_id", accountID)
		err = s.call(ctx, "deauthorize payee account", func(ctx context.Context) error {
			return s.Processor.DeauthorizePayeeAccount(ctx, accountID)
		})
	}
	if err != nil {
		return err
	}
	cleared := false
	err = s.repo().WithTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.repo().ClearPayeeProfile(ctx, tx, u.ID, accountID, s.stamp())
		if err != nil || !ok {
			return err
		}
		cleared = true
		return events.Writer{Now: s.now}.Append(ctx, tx, events.PayeeAccountDisconnected, "user", u.ID, actor.ID, events.EventPayload{
			"account_id": accountID,
			"method":     method,
		})
	})
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, "storage", err, "clear payee account")
	}
	if !cleared {
		return apperr.New(apperr.Conflict, "payee_account_changed", "payout account changed concurrently")
	}
	return nil
}

// SettleBounty pays the assignee of an approved bounty and marks it paid.
// The transfer carries a stable idempotency key so a retry after a crash
// never moves funds twice.
func (s Service) SettleBounty(ctx context.Context, actor auth.Actor, bountyID string) (SettlementResult, error) {
	b, err := s.Engine.GetBounty(ctx, bountyID)
	if err != nil {
		return SettlementResult{}, err
	}
	if err := s.Engine.Policy.Authorize(ctx, actor, domain.CmdPay, &b); err != nil {
		return SettlementResult{}, err
	}
	if b.Status != domain.StatusApproved || b.AssigneeID == nil {
		reason := "not_approved"
		if b.Status == domain.StatusPaid {
			reason = "already_paid"
		}
		return SettlementResult{}, apperr.Newf(apperr.NotPayable, reason, "bounty is %s, not ready for payment", b.Status)
	}
	assignee, err := s.user(ctx, *b.AssigneeID)
	if err != nil {
		return SettlementResult{}, err
	}
	if !assignee.PayoutReady() {
		return SettlementResult{}, apperr.New(apperr.NotPayable, "payee_not_ready", "assignee has not completed payout onboarding")
	}

	amount := s.Fees.PayoutAmount(b.Reward)
	tr := domain.Transfer{
		BountyID:             b.ID,
		DestinationAccountID: *assignee.PayeeProfileID,
		Amount:               amount,
		PlatformFee:          s.Fees.PlatformFee(b.Reward),
		Currency:             b.Currency,
		IdempotencyKey:       IdempotencyKey(b.ID),
	}
	err = s.call(ctx, "create transfer", func(ctx context.Context) error {
		var err error
		tr.ID, err = s.Processor.CreateTransfer(ctx, TransferRequest{
			Amount:               tr.Amount,
			Currency:             tr.Currency,
			DestinationAccountID: tr.DestinationAccountID,
			IdempotencyKey:       tr.IdempotencyKey,
			Metadata: map[string]string{
				"bountyId":   b.ID,
				"assigneeId": *b.AssigneeID,
				"creatorId":  b.CreatorID,
			},
		})
		return err
	})
	if err != nil {
		s.logger().ErrorContext(ctx, "transfer failed", "bounty_id", b.ID, "err", err)
		return SettlementResult{}, err
	}
	if err := s.appendEvent(ctx, events.TransferCreated, "bounty", b.ID, actor.ID, events.EventPayload{
		"transfer_id":     tr.ID,
		"amount":          tr.Amount,
		"platform_fee":    tr.PlatformFee,
		"destination":     tr.DestinationAccountID,
		"idempotency_key": tr.IdempotencyKey,
	}); err != nil {
		s.logger().WarnContext(ctx, "record transfer event", "bounty_id", b.ID, "transfer_id", tr.ID, "err", err)
	}

	paid, err := s.Engine.MarkPaid(ctx, auth.System(), b.ID, tr.ID)
	if apperr.Is(err, apperr.InvalidState) {
		return SettlementResult{}, apperr.Wrap(apperr.NotPayable, "already_paid", err, "bounty was settled concurrently")
	}
	if err != nil {
		s.logger().ErrorContext(ctx, "transfer issued but bounty not marked paid", "bounty_id", b.ID, "transfer_id", tr.ID, "err", err)
		return SettlementResult{}, err
	}
	s.logger().InfoContext(ctx, "bounty settled", "bounty_id", b.ID, "transfer_id", tr.ID, "amount", tr.Amount)
	return SettlementResult{Bounty: paid, Transfer: tr}, nil
}

func derefOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}
