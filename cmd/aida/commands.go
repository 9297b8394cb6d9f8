// Copyright (C) 2025 Aidamatic (dev@aidamatic.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aidamatic/aida/cmd/aida/config"
	"github.com/aidamatic/aida/pkg/assignment"
	"github.com/aidamatic/aida/pkg/identity"
	"github.com/aidamatic/aida/pkg/logging"
	"github.com/aidamatic/aida/pkg/taiga"
	"github.com/aidamatic/aida/pkg/workspace"
	bridgeapp "github.com/aidamatic/aida/services/bridge/app"
)

var (
	cfg        config.Config
	layout     workspace.Layout
	appLog     *logging.Logger
	configPath string
	profile    string
)

var rootCmd = &cobra.Command{
	Use:   "aida",
	Short: "Developer orchestration for a local tracker stack",
	Long: `aida drives a docker-compose tracker stack from cold start to ready,
queues tracker mutations in a local outbox, and serves workspace state
over a local HTTP bridge.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		layout = workspace.Resolve()
		appLog = logging.New(logging.Config{
			Service: "cli",
			Level:   os.Getenv("AIDA_LOG_LEVEL"),
			Quiet:   os.Getenv("AIDA_LOG_QUIET") == "1",
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config.yaml")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "identity profile to act as")

	rootCmd.AddCommand(newUpCmd())
	rootCmd.AddCommand(newDoctorCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newBridgeCmd())
	rootCmd.AddCommand(newProjectsCmd())
	rootCmd.AddCommand(newTaskCmd())
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// =============================================================================
// aida up
// =============================================================================

func newUpCmd() *cobra.Command {
	var opts BootstrapOptions
	var timeoutSec int

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Bootstrap the tracker stack to a fully reconciled state",
		Run: func(cmd *cobra.Command, args []string) {
			if timeoutSec > 0 {
				opts.Timeout = time.Duration(timeoutSec) * time.Second
			}
			ctx, cancel := signalContext()
			defer cancel()
			os.Exit(runBootstrap(ctx, opts))
		},
	}
	cmd.Flags().BoolVar(&opts.Reset, "reset", false, "run the destructive reset before bootstrapping")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 0, "overall deadline in seconds (default from config)")
	return cmd
}

// runBootstrap assembles the production orchestrator and runs it.
func runBootstrap(ctx context.Context, opts BootstrapOptions) int {
	proc := NewDefaultProcessManager()
	inspector := NewComposeInspector(proc, cfg.Compose.File)
	prober := NewProber(nil)
	checker := NewReadinessChecker(prober, cfg.Gateway.URL, cfg.Bridge.URL())
	analyzer := NewLogAnalyzer()
	tailer := NewLogTailer(proc, inspector, cfg.Compose.File,
		cfg.Compose.Services.All(), cfg.Compose.Services.Backend, analyzer,
		appLog.With("component", "tailer"))

	o := newOrchestrator(cfg, layout, proc, inspector, checker, analyzer, tailer, opts, appLog)

	shell := &composeShell{proc: proc, composeFile: cfg.Compose.File, service: cfg.Compose.Services.Backend}
	store := identity.NewStore(layout.IdentitiesFile())
	reconciler := identity.NewReconciler(shell, store, cfg.Gateway.URL, nil, appLog.With("component", "identity"))
	reconciler.ProjectName = cfg.Project.Name
	reconciler.ProjectDescription = cfg.Project.Description

	o.reconcile = func(ctx context.Context) error {
		if err := reconciler.WaitForAuthEndpoint(ctx, 2*time.Minute); err != nil {
			return err
		}
		return reconciler.Reconcile(ctx, cfg.Profiles...)
	}

	manager := NewBridgeManager(cfg, layout, proc, prober, appLog)
	o.ensureBridge = manager.EnsureRunning

	return o.Run(ctx)
}

// composeShell runs commands inside the backend container.
type composeShell struct {
	proc        ProcessManager
	composeFile string
	service     string
}

func (s *composeShell) Exec(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"compose", "-f", s.composeFile, "exec", "-T", s.service}, args...)
	out, _, err := s.proc.Run(ctx, "docker", full...)
	return out, err
}

var _ identity.BackendShell = (*composeShell)(nil)

// =============================================================================
// aida doctor
// =============================================================================

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the stack without changing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			proc := NewDefaultProcessManager()
			inspector := NewComposeInspector(proc, cfg.Compose.File)
			checker := NewReadinessChecker(NewProber(nil), cfg.Gateway.URL, cfg.Bridge.URL())
			return NewDoctor(cfg, proc, inspector, checker, os.Stdout).Run(ctx)
		},
	}
}

// =============================================================================
// aida sync
// =============================================================================

func newSyncCmd() *cobra.Command {
	var dryRun bool
	var limit int

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay the outbox against the tracker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client := NewBridgeClient(cfg.Bridge.URL(), profile)
			var res json.RawMessage
			err := client.Call(ctx, http.MethodPost, "/sync/outbox",
				map[string]any{"dry_run": dryRun, "limit": limit}, &res)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "resolve everything but mutate nothing")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum events per batch (0 = all)")
	return cmd
}

// =============================================================================
// aida bridge
// =============================================================================

func newBridgeCmd() *cobra.Command {
	var foreground, stop bool

	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Manage the local HTTP sidecar",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			manager := NewBridgeManager(cfg, layout, NewDefaultProcessManager(), NewProber(nil), appLog)

			switch {
			case stop:
				return manager.Stop()
			case foreground:
				if err := writeBridgePID(layout); err != nil {
					appLog.Warn("cannot write pid file", "error", err)
				}
				defer os.Remove(layout.BridgePIDFile())
				return bridgeapp.Run(ctx, bridgeapp.Options{
					Layout:     layout,
					GatewayURL: cfg.Gateway.URL,
					Host:       cfg.Bridge.Host,
					Port:       cfg.Bridge.Port,
					Log:        logging.New(logging.Config{Service: "bridge", JSON: true}),
				})
			default:
				if err := manager.EnsureRunning(ctx); err != nil {
					return err
				}
				fmt.Printf("bridge running at %s\n", cfg.Bridge.URL())
				return nil
			}
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "run the bridge in this process")
	cmd.Flags().BoolVar(&stop, "stop", false, "stop a background bridge")
	return cmd
}

func writeBridgePID(layout workspace.Layout) error {
	if err := layout.EnsureRoot(); err != nil {
		return err
	}
	return os.WriteFile(layout.BridgePIDFile(), []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// =============================================================================
// aida projects
// =============================================================================

func newProjectsCmd() *cobra.Command {
	var all bool
	var tag string

	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List projects visible to the acting profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			path := "/projects?all=" + fmt.Sprint(all)
			if tag != "" {
				path += "&tag=" + tag
			}
			client := NewBridgeClient(cfg.Bridge.URL(), profile)
			var res json.RawMessage
			if err := client.Call(ctx, http.MethodGet, path, nil, &res); err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include archived projects")
	cmd.Flags().StringVar(&tag, "tag", "", "filter by project tag")
	return cmd
}

// =============================================================================
// aida task
// =============================================================================

func newTaskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Work with the selected project and item",
	}
	task.AddCommand(newTaskSelectCmd())
	task.AddCommand(newTaskCurrentCmd())
	task.AddCommand(newTaskCommentCmd())
	task.AddCommand(newTaskStatusCmd())
	task.AddCommand(newTaskNextCmd())
	task.AddCommand(newTaskHistoryCmd())
	return task
}

// newTaskSelectCmd resolves the project (and optionally an item) from
// the tracker and writes assignment.json. This talks to the tracker
// directly so selection works before the bridge is up.
func newTaskSelectCmd() *cobra.Command {
	var slug, itemType string
	var itemID int

	cmd := &cobra.Command{
		Use:   "select",
		Short: "Select the working project and optionally a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			store := identity.NewStore(layout.IdentitiesFile())
			p, err := store.Lookup(profile)
			if err != nil {
				return err
			}
			if p.Token == "" {
				return fmt.Errorf("profile %s has no token; run `aida up` first", p.Name)
			}
			base := p.BaseURL
			if base == "" {
				base = cfg.Gateway.URL
			}
			client := taiga.NewClient(base, p.Token, nil)

			project, err := client.ProjectBySlug(ctx, slug)
			if err != nil {
				return fmt.Errorf("resolve project %q: %w", slug, err)
			}

			a := assignment.Assignment{
				ProjectID: project.ID,
				Slug:      project.Slug,
				Name:      project.Name,
				BaseURL:   base,
			}
			if itemID > 0 {
				item, err := client.GetItem(ctx, itemType, itemID)
				if err != nil {
					return fmt.Errorf("resolve %s %d: %w", itemType, itemID, err)
				}
				a.ItemType = itemType
				a.ItemID = item.ID
				a.ItemRef = item.Ref
				a.ItemSubject = item.Subject
			}
			if err := layout.EnsureRoot(); err != nil {
				return err
			}
			if err := assignment.Save(layout.AssignmentFile(), a); err != nil {
				return err
			}

			fmt.Printf("selected %s (#%d)", a.Slug, a.ProjectID)
			if a.ItemID > 0 {
				fmt.Printf(", %s %d: %s", a.ItemType, a.ItemID, a.ItemSubject)
			}
			fmt.Println()
			return nil
		},
	}
	cmd.Flags().StringVar(&slug, "slug", "", "project slug")
	cmd.Flags().StringVar(&itemType, "type", "issue", "item type: issue, userstory, task")
	cmd.Flags().IntVar(&itemID, "id", 0, "work item id")
	cmd.MarkFlagRequired("slug") //nolint:errcheck
	return cmd
}

func newTaskCurrentCmd() *cobra.Command {
	return bridgeGetCmd("current", "Show the current assignment", "/task/current")
}

func newTaskHistoryCmd() *cobra.Command {
	return bridgeGetCmd("history", "Show recent outbox events", "/task/history")
}

func newTaskNextCmd() *cobra.Command {
	return bridgeGetCmd("next", "Suggest the next open item", "/task/next")
}

// bridgeGetCmd builds a read-only command proxied to the bridge.
func bridgeGetCmd(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client := NewBridgeClient(cfg.Bridge.URL(), profile)
			var res json.RawMessage
			if err := client.Call(ctx, http.MethodGet, path, nil, &res); err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func newTaskCommentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "comment <text>",
		Short: "Queue a comment on the selected item",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client := NewBridgeClient(cfg.Bridge.URL(), profile)
			var res json.RawMessage
			err := client.Call(ctx, http.MethodPost, "/task/comment",
				map[string]string{"text": strings.Join(args, " ")}, &res)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	return cmd
}

func newTaskStatusCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Queue a status change on the selected item",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client := NewBridgeClient(cfg.Bridge.URL(), profile)
			var res json.RawMessage
			err := client.Call(ctx, http.MethodPost, "/task/status",
				map[string]string{"to": to}, &res)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "generic status name (in_progress, review, done, blocked)")
	cmd.MarkFlagRequired("to") //nolint:errcheck
	return cmd
}

func printJSON(raw json.RawMessage) error {
	var buf any
	if err := json.Unmarshal(raw, &buf); err != nil {
		return err
	}
	out, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
