package engine

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bountyhub/internal/apperr"
	"bountyhub/internal/domain"
	"bountyhub/internal/engine/auth"
	"bountyhub/internal/events"
	"bountyhub/internal/money"
	"bountyhub/internal/repo"
)

// GithubIntegrationLabel is applied to issue bounties created without labels.
const GithubIntegrationLabel = "github-integration"

type CreateBountyInput struct {
	Title       string
	Description string
	// Reward is in major currency units.
	Reward   decimal.Decimal
	ClientID string
	IssueURL string
	Labels   []string
	Deadline string
}

// IssueBountyInput is the payload of the issue-tracker integration.
type IssueBountyInput struct {
	ClientID   string
	IssueTitle string
	IssueBody  string
	IssueURL   string
	Reward     decimal.Decimal
	Labels     []string
	Deadline   string
}

// UpdateBountyInput carries only the fields being changed.
type UpdateBountyInput struct {
	Title          *string
	Description    *string
	Reward         *decimal.Decimal
	Labels         *[]string
	Deadline       *string
	IssueURL       *string
	PullRequestURL *string
	Status         *domain.Status
}

func (in UpdateBountyInput) fields() []auth.Field {
	var out []auth.Field
	if in.Title != nil {
		out = append(out, auth.FieldTitle)
	}
	if in.Description != nil {
		out = append(out, auth.FieldDescription)
	}
	if in.Reward != nil {
		out = append(out, auth.FieldReward)
	}
	if in.Labels != nil {
		out = append(out, auth.FieldLabels)
	}
	if in.Deadline != nil {
		out = append(out, auth.FieldDeadline)
	}
	if in.IssueURL != nil {
		out = append(out, auth.FieldIssueURL)
	}
	if in.PullRequestURL != nil {
		out = append(out, auth.FieldPullRequestURL)
	}
	return out
}

func (e Engine) CreateBounty(ctx context.Context, actor auth.Actor, in CreateBountyInput) (domain.Bounty, error) {
	if err := e.Policy.Authorize(ctx, actor, domain.CmdCreate, nil); err != nil {
		return domain.Bounty{}, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Bounty{}, apperr.New(apperr.InvalidInput, "missing_title", "title is required")
	}
	if strings.TrimSpace(in.ClientID) == "" {
		return domain.Bounty{}, apperr.New(apperr.InvalidInput, "missing_client", "client_id is required")
	}
	reward, err := money.ToMinorUnits(in.Reward)
	if err != nil {
		return domain.Bounty{}, err
	}
	deadline, err := parseDeadline(in.Deadline)
	if err != nil {
		return domain.Bounty{}, err
	}
	issue, err := parseLink(in.IssueURL, "issue_url")
	if err != nil {
		return domain.Bounty{}, err
	}
	if _, err := e.Repo.GetClient(ctx, in.ClientID); err != nil {
		return domain.Bounty{}, storageErr(err, "client")
	}
	if !actor.IsSystem() && actor.Role != domain.RoleAdmin {
		member, err := e.Repo.IsClientMember(ctx, in.ClientID, actor.ID)
		if err != nil {
			return domain.Bounty{}, storageErr(err, "client")
		}
		if !member {
			return domain.Bounty{}, apperr.New(apperr.Forbidden, "not_client_member", "you can only create bounties for clients you belong to")
		}
	}
	b := e.newBounty(title, strings.TrimSpace(in.Description), reward, in.ClientID, actor.ID)
	b.IssueURL = issue
	b.Labels = cleanLabels(in.Labels)
	b.Deadline = deadline
	return b, e.insert(ctx, b, actor.ID, "api")
}

// CreateBountyFromIssue ingests an issue from the tracker integration. The
// bounty is attributed to the client's first member.
func (e Engine) CreateBountyFromIssue(ctx context.Context, in IssueBountyInput) (domain.Bounty, error) {
	title := strings.TrimSpace(in.IssueTitle)
	if title == "" {
		return domain.Bounty{}, apperr.New(apperr.InvalidInput, "missing_title", "issue title is required")
	}
	if strings.TrimSpace(in.IssueURL) == "" {
		return domain.Bounty{}, apperr.New(apperr.InvalidInput, "missing_issue_url", "issue url is required")
	}
	issue, err := parseLink(in.IssueURL, "issue_url")
	if err != nil {
		return domain.Bounty{}, err
	}
	reward, err := money.ToMinorUnits(in.Reward)
	if err != nil {
		return domain.Bounty{}, err
	}
	deadline, err := parseDeadline(in.Deadline)
	if err != nil {
		return domain.Bounty{}, err
	}
	if _, err := e.Repo.GetClient(ctx, in.ClientID); err != nil {
		return domain.Bounty{}, storageErr(err, "client")
	}
	if existing, err := e.Repo.GetBountyByIssueURL(ctx, *issue); err == nil {
		return domain.Bounty{}, apperr.Newf(apperr.Conflict, "duplicate_issue", "bounty %s already tracks %s", existing.ID, *issue)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Bounty{}, storageErr(err, "bounty")
	}
	creator, err := e.Repo.FirstClientMember(ctx, in.ClientID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Bounty{}, apperr.Newf(apperr.NotFound, "no_client_members", "client %s has no members", in.ClientID)
	}
	if err != nil {
		return domain.Bounty{}, storageErr(err, "client")
	}
	b := e.newBounty(title, strings.TrimSpace(in.IssueBody), reward, in.ClientID, creator)
	b.IssueURL = issue
	b.Labels = cleanLabels(in.Labels)
	if len(b.Labels) == 0 {
		b.Labels = []string{GithubIntegrationLabel}
	}
	b.Deadline = deadline
	return b, e.insert(ctx, b, auth.SystemActorID, "issue")
}

func (e Engine) newBounty(title, description string, reward int64, clientID, creatorID string) domain.Bounty {
	now := e.stamp()
	return domain.Bounty{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Reward:      reward,
		Currency:    e.currency(),
		Status:      domain.StatusOpen,
		CreatorID:   creatorID,
		ClientID:    clientID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
}

func (e Engine) insert(ctx context.Context, b domain.Bounty, actorID, source string) error {
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertBounty(ctx, tx, b); err != nil {
			return err
		}
		return e.writer().Append(ctx, tx, events.BountyCreated, "bounty", b.ID, actorID, events.EventPayload{
			"client_id": b.ClientID,
			"reward":    b.Reward,
			"currency":  b.Currency,
			"source":    source,
		})
	})
	if errors.Is(err, repo.ErrAlreadyExists) {
		return apperr.New(apperr.Conflict, "duplicate_issue", "another bounty already tracks this issue")
	}
	if err != nil {
		return storageErr(err, "bounty")
	}
	e.logger().InfoContext(ctx, "bounty created", "bounty_id", b.ID, "client_id", b.ClientID, "reward", b.Reward, "source", source)
	return nil
}

func (e Engine) AssignBounty(ctx context.Context, actor auth.Actor, id string) (domain.Bounty, error) {
	b, err := e.GetBounty(ctx, id)
	if err != nil {
		return domain.Bounty{}, err
	}
	if err := e.Policy.Authorize(ctx, actor, domain.CmdAssign, &b); err != nil {
		return domain.Bounty{}, err
	}
	next, err := Next(b.Status, domain.CmdAssign)
	if err != nil {
		return domain.Bounty{}, err
	}
	prev := b.Status
	now := e.stamp()
	assignee := actor.ID
	b.Status = next
	b.AssigneeID = &assignee
	b.AssignedAt = &now
	b.ReleasedAt = nil
	b.CompletedAt = nil
	b.ApprovedAt = nil
	b.UpdatedAt = now
	if err := e.swap(ctx, &b, prev, actor.ID, events.BountyAssigned, events.EventPayload{"assignee_id": assignee}, lostStatusRace(id)); err != nil {
		return domain.Bounty{}, err
	}
	return b, nil
}

func (e Engine) ReleaseBounty(ctx context.Context, actor auth.Actor, id string) (domain.Bounty, error) {
	b, err := e.GetBounty(ctx, id)
	if err != nil {
		return domain.Bounty{}, err
	}
	if err := e.Policy.Authorize(ctx, actor, domain.CmdRelease, &b); err != nil {
		return domain.Bounty{}, err
	}
	next, err := Next(b.Status, domain.CmdRelease)
	if err != nil {
		return domain.Bounty{}, err
	}
	prev := b.Status
	released := ""
	if b.AssigneeID != nil {
		released = *b.AssigneeID
	}
	now := e.stamp()
	b.Status = next
	b.AssigneeID = nil
	b.PullRequestURL = nil
	b.ReleasedAt = &now
	b.UpdatedAt = now
	if err := e.swap(ctx, &b, prev, actor.ID, events.BountyReleased, events.EventPayload{"released_assignee_id": released}, lostStatusRace(id)); err != nil {
		return domain.Bounty{}, err
	}
	return b, nil
}

func (e Engine) UpdateBounty(ctx context.Context, actor auth.Actor, id string, in UpdateBountyInput) (domain.Bounty, error) {
	fields := in.fields()
	if len(fields) == 0 && in.Status == nil {
		return domain.Bounty{}, apperr.New(apperr.InvalidInput, "empty_update", "no fields to update")
	}
	if in.Status != nil && !in.Status.Valid() {
		return domain.Bounty{}, apperr.Newf(apperr.InvalidInput, "invalid_status", "unknown status %q", *in.Status)
	}
	b, err := e.GetBounty(ctx, id)
	if err != nil {
		return domain.Bounty{}, err
	}
	var cmd domain.Command
	if in.Status != nil {
		cmd, _ = StatusCommand(*in.Status)
	}
	if err := e.Policy.AuthorizeUpdate(ctx, actor, b, auth.Update{Fields: fields, Status: in.Status, StatusCommand: cmd}); err != nil {
		return domain.Bounty{}, err
	}
	if in.Status != nil && *in.Status == domain.StatusPaid {
		return domain.Bounty{}, apperr.New(apperr.Forbidden, "settlement_only", "bounties are marked paid by settlement only")
	}
	if in.Status != nil && cmd == "" {
		return domain.Bounty{}, apperr.Newf(apperr.InvalidInput, "status_not_settable", "status %s cannot be set by update", *in.Status)
	}

	prev := b.Status
	if err := applyFields(&b, in); err != nil {
		return domain.Bounty{}, err
	}
	now := e.stamp()
	payload := events.EventPayload{"fields": fieldNames(fields)}
	var lost error = apperr.Newf(apperr.Conflict, "concurrent_update", "bounty %s was modified concurrently", id)
	if cmd != "" {
		next, err := Next(b.Status, cmd)
		if err != nil {
			return domain.Bounty{}, err
		}
		b.Status = next
		switch cmd {
		case domain.CmdComplete:
			b.CompletedAt = &now
		case domain.CmdApprove:
			b.ApprovedAt = &now
		}
		payload["from"] = prev
		payload["to"] = next
		lost = lostStatusRace(id)
	}
	b.UpdatedAt = now
	if err := e.swap(ctx, &b, prev, actor.ID, events.BountyUpdated, payload, lost); err != nil {
		return domain.Bounty{}, err
	}
	return b, nil
}

func applyFields(b *domain.Bounty, in UpdateBountyInput) error {
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return apperr.New(apperr.InvalidInput, "missing_title", "title cannot be empty")
		}
		b.Title = title
	}
	if in.Description != nil {
		b.Description = strings.TrimSpace(*in.Description)
	}
	if in.Reward != nil {
		if b.Status != domain.StatusOpen {
			return apperr.New(apperr.InvalidState, "reward_locked", "reward can only change while the bounty is open")
		}
		reward, err := money.ToMinorUnits(*in.Reward)
		if err != nil {
			return err
		}
		b.Reward = reward
	}
	if in.Labels != nil {
		b.Labels = cleanLabels(*in.Labels)
	}
	if in.Deadline != nil {
		deadline, err := parseDeadline(*in.Deadline)
		if err != nil {
			return err
		}
		b.Deadline = deadline
	}
	if in.IssueURL != nil {
		if b.IssueURL != nil {
			return apperr.New(apperr.InvalidInput, "issue_url_immutable", "issue_url cannot be changed once set")
		}
		issue, err := parseLink(*in.IssueURL, "issue_url")
		if err != nil {
			return err
		}
		b.IssueURL = issue
	}
	if in.PullRequestURL != nil {
		pr, err := parseLink(*in.PullRequestURL, "pull_request_url")
		if err != nil {
			return err
		}
		b.PullRequestURL = pr
	}
	return nil
}

func (e Engine) DeleteBounty(ctx context.Context, actor auth.Actor, id string) error {
	b, err := e.GetBounty(ctx, id)
	if err != nil {
		return err
	}
	if err := e.Policy.Authorize(ctx, actor, domain.CmdDelete, &b); err != nil {
		return err
	}
	if _, err := Next(b.Status, domain.CmdDelete); err != nil {
		return err
	}
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.DeleteBountyInStatus(ctx, tx, id, b.Status)
		if err != nil {
			return err
		}
		if !ok {
			return lostStatusRace(id)
		}
		return e.writer().Append(ctx, tx, events.BountyDeleted, "bounty", id, actor.ID, events.EventPayload{"title": b.Title})
	})
	return storageErr(err, "bounty")
}

// MarkPaid drives approved -> paid. Only the system authority may call it,
// after the transfer has been issued.
func (e Engine) MarkPaid(ctx context.Context, authority auth.Actor, id, transferID string) (domain.Bounty, error) {
	if !authority.IsSystem() {
		return domain.Bounty{}, apperr.New(apperr.Forbidden, "settlement_only", "bounties are marked paid by settlement only")
	}
	b, err := e.GetBounty(ctx, id)
	if err != nil {
		return domain.Bounty{}, err
	}
	next, err := Next(b.Status, domain.CmdPay)
	if err != nil {
		return domain.Bounty{}, err
	}
	prev := b.Status
	now := e.stamp()
	b.Status = next
	b.PaidAt = &now
	if transferID != "" {
		b.TransferID = &transferID
	}
	b.UpdatedAt = now
	if err := e.swap(ctx, &b, prev, authority.ID, events.BountyPaid, events.EventPayload{"transfer_id": transferID}, lostStatusRace(id)); err != nil {
		return domain.Bounty{}, err
	}
	return b, nil
}

func (e Engine) GetBounty(ctx context.Context, id string) (domain.Bounty, error) {
	b, err := e.Repo.GetBounty(ctx, id)
	if err != nil {
		return domain.Bounty{}, storageErr(err, "bounty")
	}
	return b, nil
}

func (e Engine) ListBounties(ctx context.Context, f repo.BountyFilter) ([]domain.Bounty, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.Newf(apperr.InvalidInput, "invalid_status", "unknown status %q", f.Status)
	}
	if f.RewardMin < 0 || f.RewardMax < 0 || (f.RewardMax > 0 && f.RewardMin > f.RewardMax) {
		return nil, apperr.New(apperr.InvalidInput, "invalid_reward_range", "reward range is invalid")
	}
	res, err := e.Repo.ListBounties(ctx, f)
	if err != nil {
		return nil, storageErr(err, "bounty")
	}
	return res, nil
}

// BountyEvents returns the audit trail of one bounty, newest first.
func (e Engine) BountyEvents(ctx context.Context, id string, limit int) ([]domain.Event, error) {
	if _, err := e.GetBounty(ctx, id); err != nil {
		return nil, err
	}
	res, err := e.Repo.LatestEvents(ctx, repo.EventFilter{EntityKind: "bounty", EntityID: id, Limit: limit})
	if err != nil {
		return nil, storageErr(err, "event")
	}
	return res, nil
}

func parseDeadline(v string) (*string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, apperr.Newf(apperr.InvalidInput, "invalid_deadline", "deadline must be RFC3339: %v", err)
	}
	s := t.UTC().Format(time.RFC3339)
	return &s, nil
}

// parseLink accepts absolute http(s) URLs; an empty value clears the link.
func parseLink(v, field string) (*string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	u, err := url.Parse(v)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apperr.Newf(apperr.InvalidInput, "invalid_url", "%s must be an absolute http(s) url", field)
	}
	return &v, nil
}

func cleanLabels(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range in {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

func fieldNames(fields []auth.Field) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, string(f))
	}
	return out
}
