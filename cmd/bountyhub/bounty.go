package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"bountyhub/internal/app"
	"bountyhub/internal/domain"
	"bountyhub/internal/engine"
	"bountyhub/internal/money"
	"bountyhub/internal/repo"
)

func bountyCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "bounty",
		Short: "Work with bounties",
		Long:  "Commands that change a bounty run as the user given by --as.",
	}
	c.AddCommand(
		bountyListCmd(),
		bountyShowCmd(),
		bountyCreateCmd(),
		bountyAssignCmd(),
		bountyReleaseCmd(),
		bountyUpdateCmd(),
		bountyDeleteCmd(),
		bountySettleCmd(),
		bountyEventsCmd(),
	)
	return c
}

func printBounties(bs []domain.Bounty) error {
	if v.GetBool("json") {
		return printJSON(nonNil(bs))
	}
	tw := newTable("ID", "Title", "Status", "Reward", "Client", "Assignee")
	for _, b := range bs {
		assignee := ""
		if b.AssigneeID != nil {
			assignee = *b.AssigneeID
		}
		tw.AppendRow(table.Row{b.ID, b.Title, b.Status, money.Format(b.Reward) + " " + strings.ToUpper(b.Currency), b.ClientID, assignee})
	}
	tw.Render()
	return nil
}

func bountyListCmd() *cobra.Command {
	var f repo.BountyFilter
	var status, rewardMin, rewardMax string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bounties, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.Status(status)
			var err error
			if f.RewardMin, err = minorFlag(rewardMin); err != nil {
				return fmt.Errorf("--reward-min: %w", err)
			}
			if f.RewardMax, err = minorFlag(rewardMax); err != nil {
				return fmt.Errorf("--reward-max: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				bs, err := a.Engine.ListBounties(ctx, f)
				if err != nil {
					return err
				}
				return printBounties(bs)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ClientID, "client", "", "client id")
	cmd.Flags().StringVar(&f.CreatorID, "creator", "", "creator id")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee id")
	cmd.Flags().StringVar(&rewardMin, "reward-min", "", "minimum reward in major units")
	cmd.Flags().StringVar(&rewardMax, "reward-max", "", "maximum reward in major units")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func minorFlag(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := money.ParseAmount(s)
	if err != nil {
		return 0, err
	}
	return money.ToMinorUnits(d)
}

func bountyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show BOUNTY_ID",
		Short: "Show one bounty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				b, err := a.Engine.GetBounty(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
}

func bountyCreateCmd() *cobra.Command {
	var in engine.CreateBountyInput
	var reward string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post an open bounty",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := money.ParseAmount(reward)
			if err != nil {
				return fmt.Errorf("--reward: %w", err)
			}
			in.Reward = amount
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor, err := actingUser(ctx, a)
				if err != nil {
					return err
				}
				b, err := a.Engine.CreateBounty(ctx, actor, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&reward, "reward", "", "reward in major units, e.g. 200.00")
	cmd.Flags().StringVar(&in.ClientID, "client", "", "client id")
	cmd.Flags().StringVar(&in.IssueURL, "issue-url", "", "issue url")
	cmd.Flags().StringSliceVar(&in.Labels, "label", nil, "label (repeatable)")
	cmd.Flags().StringVar(&in.Deadline, "deadline", "", "RFC3339 deadline")
	return cmd
}

// lifecycleCmd builds a command that applies one engine call as the --as user.
func lifecycleCmd(use, short string, fn func(context.Context, *app.App, string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " BOUNTY_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := fn(ctx, a, args[0])
				if err != nil {
					return err
				}
				if out == nil {
					fmt.Println("ok")
					return nil
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func bountyAssignCmd() *cobra.Command {
	return lifecycleCmd("assign", "Claim an open bounty", func(ctx context.Context, a *app.App, id string) (any, error) {
		actor, err := actingUser(ctx, a)
		if err != nil {
			return nil, err
		}
		return a.Engine.AssignBounty(ctx, actor, id)
	})
}

func bountyReleaseCmd() *cobra.Command {
	return lifecycleCmd("release", "Give up an assigned bounty", func(ctx context.Context, a *app.App, id string) (any, error) {
		actor, err := actingUser(ctx, a)
		if err != nil {
			return nil, err
		}
		return a.Engine.ReleaseBounty(ctx, actor, id)
	})
}

func bountyDeleteCmd() *cobra.Command {
	return lifecycleCmd("delete", "Delete an open bounty", func(ctx context.Context, a *app.App, id string) (any, error) {
		actor, err := actingUser(ctx, a)
		if err != nil {
			return nil, err
		}
		return nil, a.Engine.DeleteBounty(ctx, actor, id)
	})
}

func bountySettleCmd() *cobra.Command {
	return lifecycleCmd("settle", "Pay an approved bounty to its assignee", func(ctx context.Context, a *app.App, id string) (any, error) {
		actor, err := actingUser(ctx, a)
		if err != nil {
			return nil, err
		}
		return a.Settlement.SettleBounty(ctx, actor, id)
	})
}

func bountyUpdateCmd() *cobra.Command {
	var title, description, reward, deadline, issueURL, prURL, status string
	var labels []string
	cmd := &cobra.Command{
		Use:   "update BOUNTY_ID",
		Short: "Edit fields or move a bounty through review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := engine.UpdateBountyInput{
				Title:          optionalString(cmd, "title", title),
				Description:    optionalString(cmd, "description", description),
				Deadline:       optionalString(cmd, "deadline", deadline),
				IssueURL:       optionalString(cmd, "issue-url", issueURL),
				PullRequestURL: optionalString(cmd, "pr-url", prURL),
			}
			if cmd.Flags().Changed("reward") {
				amount, err := money.ParseAmount(reward)
				if err != nil {
					return fmt.Errorf("--reward: %w", err)
				}
				in.Reward = &amount
			}
			if cmd.Flags().Changed("label") {
				in.Labels = &labels
			}
			if cmd.Flags().Changed("status") {
				s := domain.Status(status)
				in.Status = &s
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor, err := actingUser(ctx, a)
				if err != nil {
					return err
				}
				b, err := a.Engine.UpdateBounty(ctx, actor, args[0], in)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&reward, "reward", "", "reward in major units")
	cmd.Flags().StringVar(&deadline, "deadline", "", "RFC3339 deadline")
	cmd.Flags().StringVar(&issueURL, "issue-url", "", "issue url")
	cmd.Flags().StringVar(&prURL, "pr-url", "", "pull request url")
	cmd.Flags().StringSliceVar(&labels, "label", nil, "label (repeatable)")
	cmd.Flags().StringVar(&status, "status", "", "target status (completed, approved, in_progress)")
	return cmd
}

func bountyEventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events BOUNTY_ID",
		Short: "Show a bounty's history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Engine.BountyEvents(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(nonNil(evts))
				}
				tw := newTable("ID", "TS", "Type", "Actor", "Payload")
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max events")
	return cmd
}

func payoutCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "payout",
		Short: "Manage the --as user's payout account",
	}
	c.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "Create a payout account and print the onboarding link",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					actor, err := actingUser(ctx, a)
					if err != nil {
						return err
					}
					acct, err := a.Settlement.CreatePayoutAccount(ctx, actor)
					if err != nil {
						return err
					}
					return printJSONOrTable(acct)
				})
			},
		},
		&cobra.Command{
			Use:   "link",
			Short: "Print a fresh onboarding link",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					actor, err := actingUser(ctx, a)
					if err != nil {
						return err
					}
					acct, err := a.Settlement.GetPayoutLink(ctx, actor)
					if err != nil {
						return err
					}
					return printJSONOrTable(acct)
				})
			},
		},
		&cobra.Command{
			Use:   "disconnect",
			Short: "Remove the payout account",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					actor, err := actingUser(ctx, a)
					if err != nil {
						return err
					}
					if err := a.Settlement.DisconnectPayoutAccount(ctx, actor); err != nil {
						return err
					}
					fmt.Println("payout account disconnected")
					return nil
				})
			},
		},
	)
	return c
}
