package auth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"bountyhub/internal/apperr"
	"bountyhub/internal/domain"
	"bountyhub/internal/engine/auth"
)

type members struct {
	set   map[string]bool
	calls int
	err   error
}

func (m *members) IsClientMember(_ context.Context, clientID, userID string) (bool, error) {
	m.calls++
	if m.err != nil {
		return false, m.err
	}
	return m.set[clientID+"/"+userID], nil
}

func ptr[T any](v T) *T { return &v }

func fixture() (domain.Bounty, *members) {
	b := domain.Bounty{
		ID:         "b-1",
		Status:     domain.StatusInProgress,
		CreatorID:  "creator",
		ClientID:   "acme",
		AssigneeID: ptr("dev"),
	}
	m := &members{set: map[string]bool{"acme/creator": true, "acme/teammate": true}}
	return b, m
}

func TestCommandTable(t *testing.T) {
	b, m := fixture()
	p := auth.Policy{Members: m}
	ctx := context.Background()

	tests := []struct {
		name   string
		actor  auth.Actor
		cmd    domain.Command
		allow  bool
		reason string
	}{
		{"client creates", auth.NewActor("creator", domain.RoleClient), domain.CmdCreate, true, ""},
		{"admin creates", auth.NewActor("root", domain.RoleAdmin), domain.CmdCreate, true, ""},
		{"developer cannot create", auth.NewActor("dev", domain.RoleDeveloper), domain.CmdCreate, false, "role_cannot_create"},
		{"designer cannot create", auth.NewActor("des", domain.RoleDesigner), domain.CmdCreate, false, "role_cannot_create"},
		{"creator cannot self assign", auth.NewActor("creator", domain.RoleClient), domain.CmdAssign, false, "self_assignment"},
		{"other developer assigns", auth.NewActor("dev2", domain.RoleDeveloper), domain.CmdAssign, true, ""},
		{"creator deletes", auth.NewActor("creator", domain.RoleClient), domain.CmdDelete, true, ""},
		{"teammate cannot delete", auth.NewActor("teammate", domain.RoleClient), domain.CmdDelete, false, "not_creator"},
		{"admin deletes", auth.NewActor("root", domain.RoleAdmin), domain.CmdDelete, true, ""},
		{"assignee releases", auth.NewActor("dev", domain.RoleDeveloper), domain.CmdRelease, true, ""},
		{"teammate releases", auth.NewActor("teammate", domain.RoleClient), domain.CmdRelease, true, ""},
		{"stranger cannot release", auth.NewActor("dev2", domain.RoleDeveloper), domain.CmdRelease, false, "cannot_release"},
		{"assignee completes", auth.NewActor("dev", domain.RoleDeveloper), domain.CmdComplete, true, ""},
		{"creator cannot complete", auth.NewActor("creator", domain.RoleClient), domain.CmdComplete, false, "not_assignee"},
		{"teammate approves", auth.NewActor("teammate", domain.RoleClient), domain.CmdApprove, true, ""},
		{"assignee cannot approve", auth.NewActor("dev", domain.RoleDeveloper), domain.CmdApprove, false, "cannot_approve"},
		{"admin pays", auth.NewActor("root", domain.RoleAdmin), domain.CmdPay, true, ""},
		{"stranger cannot pay", auth.NewActor("dev2", domain.RoleDeveloper), domain.CmdPay, false, "cannot_pay"},
		{"creator edits", auth.NewActor("creator", domain.RoleClient), domain.CmdEdit, true, ""},
		{"assignee edits", auth.NewActor("dev", domain.RoleDeveloper), domain.CmdEdit, true, ""},
		{"teammate cannot edit", auth.NewActor("teammate", domain.RoleClient), domain.CmdEdit, false, "restricted_field"},
		{"creator funds", auth.NewActor("creator", domain.RoleClient), domain.CmdFund, true, ""},
		{"admin cannot fund", auth.NewActor("root", domain.RoleAdmin), domain.CmdFund, false, "not_payer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var target *domain.Bounty
			if tt.cmd != domain.CmdCreate {
				target = &b
			}
			err := p.Authorize(ctx, tt.actor, tt.cmd, target)
			if tt.allow {
				require.NoError(t, err)
				return
			}
			require.True(t, apperr.Is(err, apperr.Forbidden), "got %v", err)
			require.Equal(t, tt.reason, apperr.ReasonOf(err))
		})
	}
}

func TestApprovalRequiresMembershipNotCreatorship(t *testing.T) {
	b, m := fixture()
	b.Status = domain.StatusCompleted
	// The creator left the client; being the creator alone is not enough.
	delete(m.set, "acme/creator")
	p := auth.Policy{Members: m}

	err := p.Authorize(context.Background(), auth.NewActor("creator", domain.RoleClient), domain.CmdApprove, &b)
	require.True(t, apperr.Is(err, apperr.Forbidden))
}

func TestSystemAuthorityBypassesTable(t *testing.T) {
	b, m := fixture()
	p := auth.Policy{Members: m}
	require.NoError(t, p.Authorize(context.Background(), auth.System(), domain.CmdPay, &b))
	require.Zero(t, m.calls)

	// A role value can never produce the system authority.
	require.False(t, auth.NewActor(auth.SystemActorID, domain.RoleAdmin).IsSystem())
}

func TestAssigneeFieldRestriction(t *testing.T) {
	b, m := fixture()
	p := auth.Policy{Members: m}
	ctx := context.Background()
	assignee := auth.NewActor("dev", domain.RoleDeveloper)

	completed := domain.StatusCompleted
	approved := domain.StatusApproved

	tests := []struct {
		name   string
		update auth.Update
		reason string
	}{
		{"pull request only", auth.Update{Fields: []auth.Field{auth.FieldPullRequestURL}}, ""},
		{"complete only", auth.Update{Status: &completed, StatusCommand: domain.CmdComplete}, ""},
		{"pull request and complete", auth.Update{Fields: []auth.Field{auth.FieldPullRequestURL}, Status: &completed, StatusCommand: domain.CmdComplete}, ""},
		{"title", auth.Update{Fields: []auth.Field{auth.FieldTitle}}, "assignee_restricted_field"},
		{"allowed plus title", auth.Update{Fields: []auth.Field{auth.FieldPullRequestURL, auth.FieldTitle}}, "assignee_restricted_field"},
		{"reward with complete", auth.Update{Fields: []auth.Field{auth.FieldReward}, Status: &completed, StatusCommand: domain.CmdComplete}, "assignee_restricted_field"},
		{"approve", auth.Update{Status: &approved, StatusCommand: domain.CmdApprove}, "assignee_restricted_status"},
		{"pull request with approve", auth.Update{Fields: []auth.Field{auth.FieldPullRequestURL}, Status: &approved, StatusCommand: domain.CmdApprove}, "assignee_restricted_status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.AuthorizeUpdate(ctx, assignee, b, tt.update)
			if tt.reason == "" {
				require.NoError(t, err)
				return
			}
			require.True(t, apperr.Is(err, apperr.Forbidden), "got %v", err)
			require.Equal(t, tt.reason, apperr.ReasonOf(err))
		})
	}
}

func TestOwnerEdits(t *testing.T) {
	b, m := fixture()
	p := auth.Policy{Members: m}
	ctx := context.Background()

	creator := auth.NewActor("creator", domain.RoleClient)
	require.NoError(t, p.AuthorizeUpdate(ctx, creator, b, auth.Update{Fields: []auth.Field{auth.FieldTitle, auth.FieldLabels}}))

	// Pull request links belong to the assignee.
	err := p.AuthorizeUpdate(ctx, creator, b, auth.Update{Fields: []auth.Field{auth.FieldPullRequestURL}})
	require.Equal(t, "restricted_field", apperr.ReasonOf(err))

	// A non-creator teammate may approve but not edit.
	teammate := auth.NewActor("teammate", domain.RoleClient)
	err = p.AuthorizeUpdate(ctx, teammate, b, auth.Update{Fields: []auth.Field{auth.FieldDescription}})
	require.Equal(t, "restricted_field", apperr.ReasonOf(err))

	// Strangers are stopped by the edit command before any field rule.
	err = p.AuthorizeUpdate(ctx, auth.NewActor("dev2", domain.RoleDeveloper), b, auth.Update{Fields: []auth.Field{auth.FieldPullRequestURL}})
	require.Equal(t, "restricted_field", apperr.ReasonOf(err))

	paid := domain.StatusPaid
	err = p.AuthorizeUpdate(ctx, auth.NewActor("root", domain.RoleAdmin), b, auth.Update{Status: &paid})
	require.Equal(t, "settlement_only", apperr.ReasonOf(err))
}

func TestMembershipLookupIsLazyAndCached(t *testing.T) {
	b, m := fixture()
	p := auth.Policy{Members: m}
	ctx := context.Background()

	// Assignee satisfies release before membership is consulted.
	require.NoError(t, p.Authorize(ctx, auth.NewActor("dev", domain.RoleDeveloper), domain.CmdRelease, &b))
	require.Zero(t, m.calls)

	require.NoError(t, p.Authorize(ctx, auth.NewActor("teammate", domain.RoleClient), domain.CmdApprove, &b))
	require.Equal(t, 1, m.calls)
}

func TestMembershipFailureIsDependencyError(t *testing.T) {
	b, m := fixture()
	m.err = errors.New("database is locked")
	p := auth.Policy{Members: m}

	err := p.Authorize(context.Background(), auth.NewActor("teammate", domain.RoleClient), domain.CmdApprove, &b)
	require.True(t, apperr.Is(err, apperr.DependencyUnavailable))
}
