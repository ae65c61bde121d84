package settlement_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"bountyhub/internal/apperr"
	"bountyhub/internal/config"
	"bountyhub/internal/db"
	"bountyhub/internal/domain"
	"bountyhub/internal/engine"
	"bountyhub/internal/engine/auth"
	"bountyhub/internal/events"
	"bountyhub/internal/migrate"
	"bountyhub/internal/repo"
	"bountyhub/internal/settlement"
	"bountyhub/internal/slogx"
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeProcessor struct {
	mu        sync.Mutex
	seq       int
	transfers map[string]settlement.TransferRequest
	intents   []settlement.IntentRequest
	links     []settlement.OnboardingLinkRequest
	payers    int
	payees    int
	deleted   []string
	deauthed  []string

	transferErr error
	deleteErr   error
	payerDelay  time.Duration
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{transfers: map[string]settlement.TransferRequest{}}
}

func (f *fakeProcessor) next(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func (f *fakeProcessor) CreatePayerProfile(ctx context.Context, _ settlement.PayerProfileRequest) (string, error) {
	if f.payerDelay > 0 {
		select {
		case <-time.After(f.payerDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payers++
	return f.next("cus"), nil
}

func (f *fakeProcessor) CreatePaymentIntent(_ context.Context, req settlement.IntentRequest) (settlement.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents = append(f.intents, req)
	id := f.next("pi")
	return settlement.Intent{ID: id, ClientSecret: id + "_secret"}, nil
}

func (f *fakeProcessor) CreatePayeeAccount(context.Context, settlement.PayeeAccountRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payees++
	return f.next("acct"), nil
}

func (f *fakeProcessor) CreateOnboardingLink(_ context.Context, req settlement.OnboardingLinkRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = append(f.links, req)
	return "https://connect.example.com/" + f.next("link"), nil
}

func (f *fakeProcessor) DeletePayeeAccount(_ context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, accountID)
	return nil
}

func (f *fakeProcessor) DeauthorizePayeeAccount(_ context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deauthed = append(f.deauthed, accountID)
	return nil
}

// CreateTransfer honours idempotency keys the way the processor does.
func (f *fakeProcessor) CreateTransfer(_ context.Context, req settlement.TransferRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transferErr != nil {
		return "", f.transferErr
	}
	for id, prev := range f.transfers {
		if prev.IdempotencyKey == req.IdempotencyKey {
			return id, nil
		}
	}
	id := f.next("tr")
	f.transfers[id] = req
	return id, nil
}

type testEnv struct {
	Ctx       context.Context
	Engine    engine.Engine
	Svc       settlement.Service
	Proc      *fakeProcessor
	Client    auth.Actor
	Dev       auth.Actor
	Admin     auth.Actor
	Outsider  auth.Actor
	ClientOrg string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return fixedNow }
	eng.Logger = slogx.Discard()
	proc := newFakeProcessor()
	env := testEnv{
		Ctx:       context.Background(),
		Engine:    eng,
		Svc:       settlement.New(eng, proc, cfg),
		Proc:      proc,
		Client:    auth.NewActor("u-client", domain.RoleClient),
		Dev:       auth.NewActor("u-dev", domain.RoleDeveloper),
		Admin:     auth.NewActor("u-admin", domain.RoleAdmin),
		Outsider:  auth.NewActor("u-outsider", domain.RoleDeveloper),
		ClientOrg: "acme",
	}
	stamp := fixedNow.Format(time.RFC3339)
	for _, a := range []auth.Actor{env.Client, env.Dev, env.Admin, env.Outsider} {
		require.NoError(t, eng.Repo.InsertUser(env.Ctx, domain.User{
			ID: a.ID, Email: a.ID + "@example.com", Role: a.Role, CreatedAt: stamp, UpdatedAt: stamp,
		}))
	}
	require.NoError(t, eng.Repo.InsertClient(env.Ctx, domain.Client{ID: env.ClientOrg, Name: "Acme", CreatedAt: stamp}))
	require.NoError(t, eng.Repo.AddClientMember(env.Ctx, env.ClientOrg, env.Client.ID, fixedNow))
	return env
}

func (env testEnv) openBounty(t *testing.T, reward string) domain.Bounty {
	t.Helper()
	b, err := env.Engine.CreateBounty(env.Ctx, env.Client, engine.CreateBountyInput{
		Title: "Ship it", Reward: decimal.RequireFromString(reward), ClientID: env.ClientOrg,
	})
	require.NoError(t, err)
	return b
}

func (env testEnv) approvedBounty(t *testing.T, reward string) domain.Bounty {
	t.Helper()
	b := env.openBounty(t, reward)
	_, err := env.Engine.AssignBounty(env.Ctx, env.Dev, b.ID)
	require.NoError(t, err)
	pr := "https://github.com/acme/web/pull/1"
	_, err = env.Engine.UpdateBounty(env.Ctx, env.Dev, b.ID, engine.UpdateBountyInput{PullRequestURL: &pr})
	require.NoError(t, err)
	completed := domain.StatusCompleted
	_, err = env.Engine.UpdateBounty(env.Ctx, env.Dev, b.ID, engine.UpdateBountyInput{Status: &completed})
	require.NoError(t, err)
	approved := domain.StatusApproved
	b, err = env.Engine.UpdateBounty(env.Ctx, env.Client, b.ID, engine.UpdateBountyInput{Status: &approved})
	require.NoError(t, err)
	require.NotNil(t, b.ApprovedAt)
	return b
}

// onboard gives the developer a payee account and marks payouts enabled the
// way reconciliation would.
func (env testEnv) onboard(t *testing.T) string {
	t.Helper()
	acct, err := env.Svc.CreatePayoutAccount(env.Ctx, env.Dev)
	require.NoError(t, err)
	r := env.Engine.Repo
	require.NoError(t, r.WithTx(env.Ctx, func(tx *sql.Tx) error {
		_, err := r.SetPayoutsEnabled(env.Ctx, tx, env.Dev.ID, acct.AccountID, true, fixedNow.Format(time.RFC3339))
		return err
	}))
	return acct.AccountID
}

func TestSettlementScenario(t *testing.T) {
	env := newTestEnv(t)
	b := env.approvedBounty(t, "200")
	require.Equal(t, int64(20000), b.Reward)
	acct := env.onboard(t)

	res, err := env.Svc.SettleBounty(env.Ctx, env.Client, b.ID)
	require.NoError(t, err)
	require.Equal(t, int64(19000), res.Transfer.Amount)
	require.Equal(t, int64(1000), res.Transfer.PlatformFee)
	require.Equal(t, acct, res.Transfer.DestinationAccountID)
	require.Equal(t, "bounty-settlement-"+b.ID, res.Transfer.IdempotencyKey)
	require.Equal(t, domain.StatusPaid, res.Bounty.Status)
	require.Equal(t, res.Transfer.ID, *res.Bounty.TransferID)

	stored, err := env.Engine.GetBounty(env.Ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPaid, stored.Status)
	require.NotNil(t, stored.PaidAt)
	require.LessOrEqual(t, *stored.ApprovedAt, *stored.PaidAt)

	req := env.Proc.transfers[res.Transfer.ID]
	require.Equal(t, b.ID, req.Metadata["bountyId"])
	require.Equal(t, env.Dev.ID, req.Metadata["assigneeId"])
	require.Equal(t, env.Client.ID, req.Metadata["creatorId"])
}

func TestSettleTwiceMovesFundsOnce(t *testing.T) {
	env := newTestEnv(t)
	b := env.approvedBounty(t, "100")
	env.onboard(t)

	_, err := env.Svc.SettleBounty(env.Ctx, env.Admin, b.ID)
	require.NoError(t, err)
	_, err = env.Svc.SettleBounty(env.Ctx, env.Admin, b.ID)
	require.True(t, apperr.Is(err, apperr.NotPayable))
	require.Equal(t, "already_paid", apperr.ReasonOf(err))
	require.Len(t, env.Proc.transfers, 1)
}

func TestSettleRequiresPayoutReadyAssignee(t *testing.T) {
	env := newTestEnv(t)
	b := env.approvedBounty(t, "100")

	_, err := env.Svc.SettleBounty(env.Ctx, env.Client, b.ID)
	require.True(t, apperr.Is(err, apperr.NotPayable))
	require.Equal(t, "payee_not_ready", apperr.ReasonOf(err))

	// An account without payouts enabled is still not ready.
	_, err = env.Svc.CreatePayoutAccount(env.Ctx, env.Dev)
	require.NoError(t, err)
	_, err = env.Svc.SettleBounty(env.Ctx, env.Client, b.ID)
	require.True(t, apperr.Is(err, apperr.NotPayable))
	require.Empty(t, env.Proc.transfers)
}

func TestSettleRequiresApproved(t *testing.T) {
	env := newTestEnv(t)
	b := env.openBounty(t, "100")
	_, err := env.Svc.SettleBounty(env.Ctx, env.Client, b.ID)
	require.True(t, apperr.Is(err, apperr.NotPayable))

	_, err = env.Svc.SettleBounty(env.Ctx, env.Outsider, b.ID)
	require.True(t, apperr.Is(err, apperr.Forbidden))
}

func TestTransferFailureLeavesBountyApproved(t *testing.T) {
	env := newTestEnv(t)
	b := env.approvedBounty(t, "100")
	env.onboard(t)
	env.Proc.transferErr = errors.New("connection reset")

	_, err := env.Svc.SettleBounty(env.Ctx, env.Client, b.ID)
	require.True(t, apperr.Is(err, apperr.DependencyUnavailable))

	stored, err := env.Engine.GetBounty(env.Ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, stored.Status)
	require.Nil(t, stored.PaidAt)

	env.Proc.transferErr = nil
	res, err := env.Svc.SettleBounty(env.Ctx, env.Client, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPaid, res.Bounty.Status)
}

func TestProcessorTimeout(t *testing.T) {
	env := newTestEnv(t)
	b := env.openBounty(t, "100")
	env.Proc.payerDelay = time.Second
	env.Svc.Timeout = 20 * time.Millisecond

	_, err := env.Svc.CreatePaymentIntent(env.Ctx, env.Client, b.ID)
	require.True(t, apperr.Is(err, apperr.DependencyUnavailable))
	require.Equal(t, "processor_timeout", apperr.ReasonOf(err))
}

func TestCreatePaymentIntent(t *testing.T) {
	env := newTestEnv(t)
	b := env.openBounty(t, "100")

	pi, err := env.Svc.CreatePaymentIntent(env.Ctx, env.Client, b.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10000), pi.BountyAmount)
	require.Equal(t, int64(500), pi.PlatformFee)
	require.Equal(t, int64(10500), pi.TotalAmount)
	require.Equal(t, "105.00", pi.TotalAmountMajor)
	require.NotEmpty(t, pi.ClientSecret)
	require.Equal(t, int64(10500), env.Proc.intents[0].Amount)
	require.Equal(t, "500", env.Proc.intents[0].Metadata["platformFee"])

	// The payer profile is created once and reused.
	_, err = env.Svc.CreatePaymentIntent(env.Ctx, env.Client, b.ID)
	require.NoError(t, err)
	require.Equal(t, 1, env.Proc.payers)
	u, err := env.Engine.Repo.GetUser(env.Ctx, env.Client.ID)
	require.NoError(t, err)
	require.Equal(t, env.Proc.intents[0].CustomerID, *u.PayerProfileID)

	// Status is untouched.
	stored, err := env.Engine.GetBounty(env.Ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusOpen, stored.Status)
}

func TestCreatePaymentIntentGuards(t *testing.T) {
	env := newTestEnv(t)
	b := env.openBounty(t, "100")

	_, err := env.Svc.CreatePaymentIntent(env.Ctx, env.Outsider, b.ID)
	require.True(t, apperr.Is(err, apperr.Forbidden))

	_, err = env.Engine.AssignBounty(env.Ctx, env.Dev, b.ID)
	require.NoError(t, err)
	_, err = env.Svc.CreatePaymentIntent(env.Ctx, env.Client, b.ID)
	require.True(t, apperr.Is(err, apperr.InvalidState))
	require.Empty(t, env.Proc.intents)
}

func TestConcurrentPayerProfileCreationKeepsFirst(t *testing.T) {
	env := newTestEnv(t)
	b := env.openBounty(t, "100")

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Svc.CreatePaymentIntent(env.Ctx, env.Client, b.ID)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	u, err := env.Engine.Repo.GetUser(env.Ctx, env.Client.ID)
	require.NoError(t, err)
	require.NotNil(t, u.PayerProfileID)
	for _, intent := range env.Proc.intents {
		require.Equal(t, *u.PayerProfileID, intent.CustomerID)
	}
}

func TestPayoutAccountLifecycle(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Svc.GetPayoutLink(env.Ctx, env.Dev)
	require.True(t, apperr.Is(err, apperr.NotFound))
	require.True(t, apperr.Is(env.Svc.DisconnectPayoutAccount(env.Ctx, env.Dev), apperr.NotFound))

	acct, err := env.Svc.CreatePayoutAccount(env.Ctx, env.Dev)
	require.NoError(t, err)
	require.False(t, acct.Existing)
	require.NotEmpty(t, acct.OnboardingURL)
	require.Equal(t, "http://localhost:3000/settings/payments", env.Proc.links[0].RefreshURL)
	require.Equal(t, "http://localhost:3000/settings/payments/complete", env.Proc.links[0].ReturnURL)

	again, err := env.Svc.CreatePayoutAccount(env.Ctx, env.Dev)
	require.NoError(t, err)
	require.True(t, again.Existing)
	require.Equal(t, acct.AccountID, again.AccountID)
	require.Equal(t, 1, env.Proc.payees)

	l1, err := env.Svc.GetPayoutLink(env.Ctx, env.Dev)
	require.NoError(t, err)
	l2, err := env.Svc.GetPayoutLink(env.Ctx, env.Dev)
	require.NoError(t, err)
	require.NotEqual(t, l1.OnboardingURL, l2.OnboardingURL, "links are regenerated per call")

	require.NoError(t, env.Svc.DisconnectPayoutAccount(env.Ctx, env.Dev))
	require.Equal(t, []string{acct.AccountID}, env.Proc.deleted)
	u, err := env.Engine.Repo.GetUser(env.Ctx, env.Dev.ID)
	require.NoError(t, err)
	require.Nil(t, u.PayeeProfileID)
	require.False(t, u.PayoutsEnabled)
}

func TestDisconnectFallsBackToDeauthorize(t *testing.T) {
	env := newTestEnv(t)
	acct := env.onboard(t)
	env.Proc.deleteErr = fmt.Errorf("delete: %w", settlement.ErrAccountInvalid)

	require.NoError(t, env.Svc.DisconnectPayoutAccount(env.Ctx, env.Dev))
	require.Empty(t, env.Proc.deleted)
	require.Equal(t, []string{acct}, env.Proc.deauthed)

	u, err := env.Engine.Repo.GetUser(env.Ctx, env.Dev.ID)
	require.NoError(t, err)
	require.Nil(t, u.PayeeProfileID)
	require.False(t, u.PayoutsEnabled)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{Type: events.PayeeAccountDisconnected})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	require.Contains(t, evts[0].Payload, "deauthorized")
}

func TestDisconnectFailureKeepsAccount(t *testing.T) {
	env := newTestEnv(t)
	acct := env.onboard(t)
	env.Proc.deleteErr = errors.New("api unavailable")

	err := env.Svc.DisconnectPayoutAccount(env.Ctx, env.Dev)
	require.True(t, apperr.Is(err, apperr.DependencyUnavailable))
	require.Empty(t, env.Proc.deauthed)

	u, err := env.Engine.Repo.GetUser(env.Ctx, env.Dev.ID)
	require.NoError(t, err)
	require.Equal(t, acct, *u.PayeeProfileID)
	require.True(t, u.PayoutsEnabled)
}
