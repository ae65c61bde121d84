package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"bountyhub/internal/app"
	"bountyhub/internal/domain"
	"bountyhub/internal/server"
)

func userCmd() *cobra.Command {
	c := &cobra.Command{Use: "user", Short: "Manage users"}
	c.AddCommand(userAddCmd(), userListCmd(), userTokenCmd())
	return c
}

func userAddCmd() *cobra.Command {
	var id, email, name, role, portfolio string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := domain.Role(role)
			if !r.Valid() {
				return fmt.Errorf("invalid role %q (client, developer, designer, admin)", role)
			}
			if email == "" {
				return fmt.Errorf("--email is required")
			}
			if id == "" {
				id = uuid.NewString()
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				now := time.Now().UTC().Format(time.RFC3339)
				u := domain.User{ID: id, Email: email, Name: name, Role: r, PortfolioURL: portfolio, CreatedAt: now, UpdatedAt: now}
				if err := a.Engine.Repo.InsertUser(ctx, u); err != nil {
					return fmt.Errorf("add user %s: %w", id, err)
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id (generated when empty)")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleDeveloper), "role")
	cmd.Flags().StringVar(&portfolio, "portfolio", "", "portfolio url")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				users, err := a.Engine.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(nonNil(users))
				}
				tw := newTable("ID", "Email", "Role", "Payee", "Payouts")
				for _, u := range users {
					payee := ""
					if u.PayeeProfileID != nil {
						payee = *u.PayeeProfileID
					}
					tw.AppendRow(table.Row{u.ID, u.Email, u.Role, payee, u.PayoutsEnabled})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token USER_ID",
		Short: "Issue an API bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Engine.Repo.GetUser(ctx, args[0])
				if err != nil {
					return fmt.Errorf("user %s: %w", args[0], err)
				}
				now := time.Now()
				token, err := server.IssueToken(a.Config.Server.JWTSecret, u.ID, u.Role, ttl, now)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(map[string]any{"token": token, "expires_at": now.Add(ttl).UTC().Format(time.RFC3339)})
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func clientCmd() *cobra.Command {
	c := &cobra.Command{Use: "client", Short: "Manage clients and their members"}
	c.AddCommand(clientAddCmd(), clientAddMemberCmd(), clientListCmd())
	return c
}

func clientAddCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Register a client organisation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = uuid.NewString()
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c := domain.Client{ID: id, Name: args[0], CreatedAt: time.Now().UTC().Format(time.RFC3339)}
				if err := a.Engine.Repo.InsertClient(ctx, c); err != nil {
					return fmt.Errorf("add client %s: %w", id, err)
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "client id (generated when empty)")
	return cmd
}

func clientAddMemberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-member CLIENT_ID USER_ID",
		Short: "Add a user to a client",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.Repo.GetClient(ctx, args[0]); err != nil {
					return fmt.Errorf("client %s: %w", args[0], err)
				}
				if _, err := a.Engine.Repo.GetUser(ctx, args[1]); err != nil {
					return fmt.Errorf("user %s: %w", args[1], err)
				}
				if err := a.Engine.Repo.AddClientMember(ctx, args[0], args[1], time.Now()); err != nil {
					return err
				}
				members, err := a.Engine.Repo.ListClientMembers(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(nonNil(members))
			})
		},
	}
}

func clientListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				clients, err := a.Engine.Repo.ListClients(ctx)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(nonNil(clients))
				}
				tw := newTable("ID", "Name", "Members")
				for _, c := range clients {
					members, err := a.Engine.Repo.ListClientMembers(ctx, c.ID)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{c.ID, c.Name, len(members)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
