package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"bountyhub/internal/domain"
	"bountyhub/internal/engine"
	"bountyhub/internal/money"
	"bountyhub/internal/repo"
)

type bountyPath struct {
	ID string `path:"id"`
}

var bountyErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
}

func registerBounties(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-bounty",
		Method:        http.MethodPost,
		Path:          "/bounties",
		Summary:       "Create bounty",
		DefaultStatus: http.StatusCreated,
		Errors:        bountyErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateBountyRequest
	}) (*bountyOutput, error) {
		actor, err := userActor(ctx)
		if err != nil {
			return nil, err
		}
		amount, err := money.FromFloat(input.Body.Reward)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		b, err := e.CreateBounty(ctx, actor, engine.CreateBountyInput{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Reward:      amount,
			ClientID:    input.Body.ClientID,
			IssueURL:    input.Body.IssueURL,
			Labels:      input.Body.Labels,
			Deadline:    input.Body.Deadline,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &bountyOutput{Body: bountyResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-bounty-from-issue",
		Method:        http.MethodPost,
		Path:          "/bounties/github",
		Summary:       "Create bounty from an issue tracker issue",
		DefaultStatus: http.StatusCreated,
		Errors:        bountyErrors,
	}, func(ctx context.Context, input *struct {
		Body IssueBountyRequest
	}) (*bountyOutput, error) {
		if err := requireIntegration(ctx); err != nil {
			return nil, err
		}
		amount, err := money.FromFloat(input.Body.Reward)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		b, err := e.CreateBountyFromIssue(ctx, engine.IssueBountyInput{
			ClientID:   input.Body.ClientID,
			IssueTitle: input.Body.IssueTitle,
			IssueBody:  input.Body.IssueBody,
			IssueURL:   input.Body.IssueURL,
			Reward:     amount,
			Labels:     input.Body.Labels,
			Deadline:   input.Body.Deadline,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &bountyOutput{Body: bountyResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bounties",
		Method:      http.MethodGet,
		Path:        "/bounties",
		Summary:     "List bounties",
		Errors:      bountyErrors,
	}, func(ctx context.Context, input *struct {
		Status     string  `query:"status"`
		ClientID   string  `query:"client_id"`
		CreatorID  string  `query:"creator_id"`
		AssigneeID string  `query:"assignee_id"`
		RewardMin  float64 `query:"reward_min" doc:"Minimum reward in major units"`
		RewardMax  float64 `query:"reward_max" doc:"Maximum reward in major units"`
		Limit      int     `query:"limit"`
	}) (*struct {
		Body paginatedBounties `json:"body"`
	}, error) {
		if _, err := userActor(ctx); err != nil {
			return nil, err
		}
		f := repo.BountyFilter{
			Status:     domain.Status(input.Status),
			ClientID:   input.ClientID,
			CreatorID:  input.CreatorID,
			AssigneeID: input.AssigneeID,
			Limit:      normalizeLimit(input.Limit),
		}
		var err error
		if f.RewardMin, err = optionalMinor(input.RewardMin); err != nil {
			return nil, handleError(ctx, err)
		}
		if f.RewardMax, err = optionalMinor(input.RewardMax); err != nil {
			return nil, handleError(ctx, err)
		}
		items, err := e.ListBounties(ctx, f)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body paginatedBounties `json:"body"`
		}{Body: paginatedBounties{Items: mapBounties(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-bounty",
		Method:      http.MethodGet,
		Path:        "/bounties/{id}",
		Summary:     "Get bounty",
		Errors:      bountyErrors,
	}, func(ctx context.Context, input *bountyPath) (*bountyOutput, error) {
		if _, err := userActor(ctx); err != nil {
			return nil, err
		}
		b, err := e.GetBounty(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &bountyOutput{Body: bountyResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-bounty",
		Method:      http.MethodPatch,
		Path:        "/bounties/{id}",
		Summary:     "Update bounty fields or status",
		Errors:      bountyErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body UpdateBountyRequest
	}) (*bountyOutput, error) {
		actor, err := userActor(ctx)
		if err != nil {
			return nil, err
		}
		in := engine.UpdateBountyInput{
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			Labels:         input.Body.Labels,
			Deadline:       input.Body.Deadline,
			IssueURL:       input.Body.IssueURL,
			PullRequestURL: input.Body.PullRequestURL,
			Status:         input.Body.Status,
		}
		if input.Body.Reward != nil {
			amount, err := money.FromFloat(*input.Body.Reward)
			if err != nil {
				return nil, handleError(ctx, err)
			}
			in.Reward = &amount
		}
		b, err := e.UpdateBounty(ctx, actor, input.ID, in)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &bountyOutput{Body: bountyResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-bounty",
		Method:        http.MethodDelete,
		Path:          "/bounties/{id}",
		Summary:       "Delete an open bounty",
		DefaultStatus: http.StatusNoContent,
		Errors:        bountyErrors,
	}, func(ctx context.Context, input *bountyPath) (*struct{}, error) {
		actor, err := userActor(ctx)
		if err != nil {
			return nil, err
		}
		if err := e.DeleteBounty(ctx, actor, input.ID); err != nil {
			return nil, handleError(ctx, err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-bounty",
		Method:      http.MethodPost,
		Path:        "/bounties/{id}/assign",
		Summary:     "Claim an open bounty",
		Errors:      bountyErrors,
	}, func(ctx context.Context, input *bountyPath) (*bountyOutput, error) {
		actor, err := userActor(ctx)
		if err != nil {
			return nil, err
		}
		b, err := e.AssignBounty(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &bountyOutput{Body: bountyResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-bounty",
		Method:      http.MethodPost,
		Path:        "/bounties/{id}/release",
		Summary:     "Give up an assigned bounty",
		Errors:      bountyErrors,
	}, func(ctx context.Context, input *bountyPath) (*bountyOutput, error) {
		actor, err := userActor(ctx)
		if err != nil {
			return nil, err
		}
		b, err := e.ReleaseBounty(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &bountyOutput{Body: bountyResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bounty-events",
		Method:      http.MethodGet,
		Path:        "/bounties/{id}/events",
		Summary:     "Audit log for a bounty",
		Errors:      bountyErrors,
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := userActor(ctx); err != nil {
			return nil, err
		}
		items, err := e.BountyEvents(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: paginatedEvents{Items: nonNilSlice(items)}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func optionalMinor(v float64) (int64, error) {
	if v == 0 {
		return 0, nil
	}
	d, err := money.FromFloat(v)
	if err != nil {
		return 0, err
	}
	return money.ToMinorUnits(d)
}
