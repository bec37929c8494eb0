package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Cypherspark/wa-gate/internal/app"
	"github.com/Cypherspark/wa-gate/internal/core"
	"github.com/Cypherspark/wa-gate/internal/gate"
	"github.com/Cypherspark/wa-gate/internal/session"
	"github.com/Cypherspark/wa-gate/internal/tenant"
)

type dispatcher interface {
	Dispatch(ctx context.Context, req gate.Request) core.DispatchResult
}

type tester interface {
	TestTenant(ctx context.Context, tenantID string, update bool) (tenant.ConnectionResult, error)
}

type env struct {
	Sessions session.Store
	Tenants  tenant.Repository
	Resolver tester
	Gate     dispatcher
}

type builder func(ctx context.Context, ov app.Overrides) (*env, func(), error)

func newRootCmd(build builder) *cobra.Command {
	root := &cobra.Command{
		Use:          "gatectl",
		Short:        "Diagnostics for the WhatsApp notification gate",
		SilenceUsage: true,
	}
	root.AddCommand(newSessionCmd(build), newProviderCmd(build), newDispatchCmd(build))
	return root
}

// run builds the environment, calls fn and prints its result as JSON.
func run(cmd *cobra.Command, build builder, ov app.Overrides, fn func(ctx context.Context, e *env) (any, error)) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, closeFn, err := build(ctx, ov)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}
	out, err := fn(ctx, e)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func newSessionCmd(build builder) *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{Use: "session", Short: "Inspect and manage customer sessions"}
	cmd.PersistentFlags().StringVar(&tenantID, "tenant", "", "tenant id (empty addresses every tenant)")

	open := &cobra.Command{
		Use:   "open <phone>",
		Short: "Open or extend a session as if the customer had written in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, build, app.Overrides{}, func(ctx context.Context, e *env) (any, error) {
				return e.Sessions.CreateOrExtendSession(ctx, args[0], tenantID)
			})
		},
	}
	closeCmd := &cobra.Command{
		Use:   "close <phone>",
		Short: "Deactivate the phone's sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, build, app.Overrides{}, func(ctx context.Context, e *env) (any, error) {
				n, err := e.Sessions.DeactivateSession(ctx, args[0], tenantID)
				return map[string]int{"deactivated": n}, err
			})
		},
	}
	check := &cobra.Command{
		Use:   "check <phone>",
		Short: "Show the effective session for the phone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, build, app.Overrides{}, func(ctx context.Context, e *env) (any, error) {
				s, err := e.Sessions.ActiveSession(ctx, args[0], tenantID)
				return map[string]any{"active": s != nil, "session": s}, err
			})
		},
	}
	cmd.AddCommand(open, closeCmd, check)
	return cmd
}

func newProviderCmd(build builder) *cobra.Command {
	cmd := &cobra.Command{Use: "provider", Short: "Manage tenant provider instances"}

	var cfg core.ProviderInstanceConfig
	var status string
	set := &cobra.Command{
		Use:   "set <tenant>",
		Short: "Create or replace a tenant's provider config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.TenantID = args[0]
			cfg.Status = core.ProviderStatus(status)
			if err := tenant.Validate(cfg); err != nil {
				return err
			}
			return run(cmd, build, app.Overrides{}, func(ctx context.Context, e *env) (any, error) {
				if err := e.Tenants.Upsert(ctx, cfg); err != nil {
					return nil, err
				}
				return map[string]any{"tenant_id": cfg.TenantID, "status": cfg.Status, "messaging_enabled": cfg.MessagingEnabled}, nil
			})
		},
	}
	set.Flags().StringVar(&cfg.InstanceID, "instance", "", "provider instance id")
	set.Flags().StringVar(&cfg.Token, "token", "", "provider token")
	set.Flags().StringVar(&cfg.BaseURL, "base-url", "", "provider base URL")
	set.Flags().StringVar(&status, "status", string(core.ProviderUnknown), "active|suspended|unknown|error")
	set.Flags().BoolVar(&cfg.MessagingEnabled, "enabled", true, "tenant messaging flag")

	var update bool
	test := &cobra.Command{
		Use:   "test <tenant>",
		Short: "Probe the tenant's provider instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, build, app.Overrides{}, func(ctx context.Context, e *env) (any, error) {
				return e.Resolver.TestTenant(ctx, args[0], update)
			})
		},
	}
	test.Flags().BoolVar(&update, "update", false, "write the result back as the instance status")

	cmd.AddCommand(set, test)
	return cmd
}

func newDispatchCmd(build builder) *cobra.Command {
	var (
		req  gate.Request
		ev   core.NotificationEvent
		kind string
		ov   app.Overrides
	)
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run one notification through the gate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Kind = core.NotificationKind(kind)
			if req.Message == "" {
				req.Event = &ev
			}
			if req.Phone == "" || req.TenantID == "" {
				return fmt.Errorf("--phone and --tenant are required")
			}
			return run(cmd, build, ov, func(ctx context.Context, e *env) (any, error) {
				return e.Gate.Dispatch(ctx, req), nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Phone, "phone", "", "destination phone")
	f.StringVar(&req.TenantID, "tenant", "", "tenant id")
	f.StringVar(&kind, "kind", "", "ticket_created|almost_your_turn|your_turn")
	f.StringVar(&req.Message, "message", "", "raw message body instead of a template")
	f.StringVar(&req.TicketID, "ticket-id", "", "ticket id (seeds the reference id)")
	f.IntVar(&req.Priority, "priority", 0, "provider priority")
	f.StringVar(&ev.TicketNumber, "ticket-number", "", "ticket number shown to the customer")
	f.StringVar(&ev.OrganizationName, "org", "", "organization display name")
	f.StringVar(&ev.DepartmentName, "dept", "", "department display name")
	f.StringVar(&ev.CurrentServing, "serving", "", "currently serving label")
	f.IntVar(&ev.QueuePosition, "position", 0, "people ahead in the queue")
	f.BoolVar(&ov.BypassSessionCheck, "bypass-session", false, "skip the session check (logged at WARN)")
	f.BoolVar(&ov.DryRun, "dry-run", false, "simulate the provider call")
	return cmd
}
