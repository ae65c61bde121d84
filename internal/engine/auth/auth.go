package auth

import (
	"context"
	"fmt"

	"bountyhub/internal/apperr"
	"bountyhub/internal/domain"
)

// SystemActorID is recorded as the actor of system-driven transitions.
const SystemActorID = "system"

// Actor is an authenticated caller. The system authority can only be
// obtained through System.
type Actor struct {
	ID     string
	Role   domain.Role
	system bool
}

func NewActor(id string, role domain.Role) Actor {
	return Actor{ID: id, Role: role}
}

// System returns the internal authority that drives approved -> paid.
func System() Actor {
	return Actor{ID: SystemActorID, system: true}
}

func (a Actor) IsSystem() bool { return a.system }

// MembershipChecker answers whether a user acts on behalf of a client.
type MembershipChecker interface {
	IsClientMember(ctx context.Context, clientID, userID string) (bool, error)
}

// Field is an editable bounty attribute.
type Field string

const (
	FieldTitle          Field = "title"
	FieldDescription    Field = "description"
	FieldReward         Field = "reward"
	FieldLabels         Field = "labels"
	FieldDeadline       Field = "deadline"
	FieldIssueURL       Field = "issue_url"
	FieldPullRequestURL Field = "pull_request_url"
)

// Relation is how an actor stands toward a bounty.
type Relation uint8

const (
	RelCreator Relation = iota + 1
	RelAssignee
	RelClientMember
	RelAdmin
	RelNonCreator
)

func (r Relation) String() string {
	switch r {
	case RelCreator:
		return "creator"
	case RelAssignee:
		return "assignee"
	case RelClientMember:
		return "client-member"
	case RelAdmin:
		return "admin"
	case RelNonCreator:
		return "non-creator"
	}
	return fmt.Sprintf("relation(%d)", r)
}

type rule struct {
	roles   []domain.Role
	anyOf   []Relation
	reason  string
	message string
}

var commandRules = map[domain.Command]rule{
	domain.CmdCreate: {
		roles:  []domain.Role{domain.RoleClient, domain.RoleAdmin},
		reason: "role_cannot_create", message: "only clients and admins can create bounties",
	},
	domain.CmdAssign: {
		anyOf:  []Relation{RelNonCreator},
		reason: "self_assignment", message: "you cannot assign your own bounty to yourself",
	},
	domain.CmdDelete: {
		anyOf:  []Relation{RelCreator, RelAdmin},
		reason: "not_creator", message: "only the creator or an admin can delete a bounty",
	},
	domain.CmdRelease: {
		anyOf:  []Relation{RelAssignee, RelCreator, RelClientMember, RelAdmin},
		reason: "cannot_release", message: "you do not have permission to release this bounty",
	},
	domain.CmdComplete: {
		anyOf:  []Relation{RelAssignee},
		reason: "not_assignee", message: "only the assignee can complete a bounty",
	},
	domain.CmdApprove: {
		anyOf:  []Relation{RelClientMember, RelAdmin},
		reason: "cannot_approve", message: "only an admin or a member of the client can approve a bounty",
	},
	domain.CmdReject: {
		anyOf:  []Relation{RelClientMember, RelAdmin},
		reason: "cannot_reject", message: "only an admin or a member of the client can reject a bounty",
	},
	domain.CmdPay: {
		anyOf:  []Relation{RelClientMember, RelAdmin},
		reason: "cannot_pay", message: "only an admin or a member of the client can pay a bounty",
	},
	domain.CmdEdit: {
		anyOf:  []Relation{RelCreator, RelAssignee, RelAdmin},
		reason: "restricted_field", message: "you do not have permission to edit this bounty",
	},
	domain.CmdFund: {
		anyOf:  []Relation{RelCreator, RelClientMember},
		reason: "not_payer", message: "you can only pay for your own bounties",
	},
}

var creatorOrAdmin = []Relation{RelCreator, RelAdmin}

var fieldRules = map[Field][]Relation{
	FieldTitle:          creatorOrAdmin,
	FieldDescription:    creatorOrAdmin,
	FieldReward:         creatorOrAdmin,
	FieldLabels:         creatorOrAdmin,
	FieldDeadline:       creatorOrAdmin,
	FieldIssueURL:       creatorOrAdmin,
	FieldPullRequestURL: {RelAssignee},
}

// Update describes an edit request for authorization.
type Update struct {
	Fields []Field
	Status *domain.Status
	// StatusCommand is the transition the status maps to, empty when the
	// status has no exposed transition.
	StatusCommand domain.Command
}

// Policy is the single authorization table for bounty commands.
type Policy struct {
	Members MembershipChecker
}

// Authorize checks a command against the table. b is nil for create.
func (p Policy) Authorize(ctx context.Context, actor Actor, cmd domain.Command, b *domain.Bounty) error {
	if actor.IsSystem() {
		return nil
	}
	if actor.ID == "" {
		return apperr.New(apperr.Forbidden, "anonymous", "an authenticated actor is required")
	}
	r, ok := commandRules[cmd]
	if !ok {
		return apperr.Newf(apperr.Forbidden, "unknown_command", "command %s is not permitted", cmd)
	}
	if len(r.roles) > 0 && !hasRole(actor.Role, r.roles) {
		return apperr.New(apperr.Forbidden, r.reason, r.message)
	}
	if len(r.anyOf) == 0 {
		return nil
	}
	if b == nil {
		return apperr.Newf(apperr.Forbidden, r.reason, "%s requires a bounty", cmd)
	}
	return r.check(p.relations(ctx, actor, *b))
}

func (r rule) check(rels *relationSet) error {
	ok, err := rels.anyOf(r.anyOf)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.Forbidden, r.reason, r.message)
	}
	return nil
}

// AuthorizeUpdate checks the edit command, every field of the edit and its
// status change, if any.
func (p Policy) AuthorizeUpdate(ctx context.Context, actor Actor, b domain.Bounty, u Update) error {
	if actor.IsSystem() {
		return nil
	}
	if actor.ID == "" {
		return apperr.New(apperr.Forbidden, "anonymous", "an authenticated actor is required")
	}
	rels := p.relations(ctx, actor, b)
	privileged, err := rels.anyOf(creatorOrAdmin)
	if err != nil {
		return err
	}
	assigneeOnly := !privileged && b.IsAssignee(actor.ID)

	if len(u.Fields) > 0 {
		if err := commandRules[domain.CmdEdit].check(rels); err != nil {
			return err
		}
	}
	for _, f := range u.Fields {
		allowed, ok := fieldRules[f]
		if !ok {
			return apperr.Newf(apperr.InvalidInput, "unknown_field", "field %s cannot be updated", f)
		}
		granted, err := rels.anyOf(allowed)
		if err != nil {
			return err
		}
		if granted {
			continue
		}
		if assigneeOnly {
			return apperr.New(apperr.Forbidden, "assignee_restricted_field", "you can only update: pull_request_url, status")
		}
		return apperr.Newf(apperr.Forbidden, "restricted_field", "you do not have permission to update %s", f)
	}

	if u.Status == nil {
		return nil
	}
	if *u.Status == domain.StatusPaid {
		return apperr.New(apperr.Forbidden, "settlement_only", "bounties are marked paid by settlement only")
	}
	if assigneeOnly && *u.Status != domain.StatusCompleted {
		return apperr.New(apperr.Forbidden, "assignee_restricted_status", "you can only set status to completed")
	}
	if u.StatusCommand == "" {
		// No transition is exposed for this status; only the owner side may
		// get as far as the state machine rejecting it.
		if privileged {
			return nil
		}
		return apperr.Newf(apperr.Forbidden, "restricted_status", "you cannot set status to %s", *u.Status)
	}
	return p.Authorize(ctx, actor, u.StatusCommand, &b)
}

func hasRole(role domain.Role, roles []domain.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// relationSet resolves relations lazily; client membership is looked up at
// most once.
type relationSet struct {
	ctx    context.Context
	policy Policy
	actor  Actor
	bounty domain.Bounty
	member *bool
}

func (p Policy) relations(ctx context.Context, actor Actor, b domain.Bounty) *relationSet {
	return &relationSet{ctx: ctx, policy: p, actor: actor, bounty: b}
}

func (s *relationSet) has(rel Relation) (bool, error) {
	switch rel {
	case RelCreator:
		return s.bounty.CreatorID == s.actor.ID, nil
	case RelNonCreator:
		return s.bounty.CreatorID != s.actor.ID, nil
	case RelAssignee:
		return s.bounty.IsAssignee(s.actor.ID), nil
	case RelAdmin:
		return s.actor.Role == domain.RoleAdmin, nil
	case RelClientMember:
		if s.member == nil {
			if s.policy.Members == nil {
				return false, nil
			}
			ok, err := s.policy.Members.IsClientMember(s.ctx, s.bounty.ClientID, s.actor.ID)
			if err != nil {
				return false, apperr.Wrap(apperr.DependencyUnavailable, "membership_lookup", err, "check client membership")
			}
			s.member = &ok
		}
		return *s.member, nil
	}
	return false, nil
}

func (s *relationSet) anyOf(rels []Relation) (bool, error) {
	for _, rel := range rels {
		ok, err := s.has(rel)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
