package server

import (
	"bountyhub/internal/domain"
	"bountyhub/internal/money"
	"bountyhub/internal/reconcile"
	"bountyhub/internal/settlement"
)

type CreateBountyRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Reward      float64  `json:"reward" doc:"Reward in major currency units"`
	ClientID    string   `json:"client_id"`
	IssueURL    string   `json:"issue_url,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Deadline    string   `json:"deadline,omitempty" doc:"RFC 3339 timestamp"`
}

// IssueBountyRequest is posted by the issue tracker integration.
type IssueBountyRequest struct {
	ClientID   string   `json:"client_id"`
	IssueTitle string   `json:"issue_title"`
	IssueBody  string   `json:"issue_body,omitempty"`
	IssueURL   string   `json:"issue_url"`
	Reward     float64  `json:"reward" doc:"Reward in major currency units"`
	Labels     []string `json:"labels,omitempty"`
	Deadline   string   `json:"deadline,omitempty"`
}

type UpdateBountyRequest struct {
	Title          *string        `json:"title,omitempty"`
	Description    *string        `json:"description,omitempty"`
	Reward         *float64       `json:"reward,omitempty"`
	Labels         *[]string      `json:"labels,omitempty"`
	Deadline       *string        `json:"deadline,omitempty"`
	IssueURL       *string        `json:"issue_url,omitempty"`
	PullRequestURL *string        `json:"pull_request_url,omitempty"`
	Status         *domain.Status `json:"status,omitempty" enum:"open,in_progress,completed,approved,rejected,paid"`
}

type PaymentIntentRequest struct {
	BountyID string `json:"bounty_id"`
}

type BountyResponse struct {
	domain.Bounty
	RewardDisplay string `json:"reward_display"`
}

type paginatedBounties struct {
	Items []BountyResponse `json:"items"`
}

type paginatedEvents struct {
	Items []domain.Event `json:"items"`
}

type MeResponse struct {
	Body struct {
		User        *domain.User `json:"user,omitempty"`
		Integration string       `json:"integration,omitempty"`
		Source      string       `json:"source"`
	}
}

type bountyOutput struct {
	Body BountyResponse
}

type settlementOutput struct {
	Body settlement.SettlementResult
}

type intentOutput struct {
	Body domain.PaymentIntent
}

type payoutAccountOutput struct {
	Body domain.PayoutAccount
}

type webhookOutput struct {
	Body reconcile.Result
}

func bountyResponse(b domain.Bounty) BountyResponse {
	return BountyResponse{Bounty: b, RewardDisplay: money.Format(b.Reward)}
}

func mapBounties(items []domain.Bounty) []BountyResponse {
	out := make([]BountyResponse, 0, len(items))
	for _, b := range items {
		out = append(out, bountyResponse(b))
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
