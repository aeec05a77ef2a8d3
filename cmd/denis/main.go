// Package main is the entry point for the Denis CLI: a thin shell over the
// inference control plane for one-shot routing, plan inspection, and health.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/denislab/denis/internal/config"
	"github.com/denislab/denis/internal/controlplane"
	"github.com/denislab/denis/internal/gateway"
	"github.com/denislab/denis/internal/graph"
	"github.com/denislab/denis/internal/health"
	"github.com/denislab/denis/internal/logging"
	"github.com/denislab/denis/internal/metrics"
	"github.com/denislab/denis/internal/provider"
	"github.com/denislab/denis/internal/registry"
	"github.com/denislab/denis/internal/router"
	"github.com/denislab/denis/internal/scheduler"
	"github.com/denislab/denis/internal/trace"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "denis",
		Short: "Denis - local-first LLM inference control plane",
		Long: `Denis routes inference requests across a catalog of LLM backends:
local engines first, internet boosters when connectivity allows, with
per-attempt timeouts, cost ceilings, fallback chains, and decision traces.

One-shot route:     denis route "explain mutexes"
Inspect a plan:     denis schedule "explain mutexes"
Engine catalog:     denis engines
Control-plane health: denis health`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A broken config surfaces from the command itself; logging just
			// keeps its defaults here.
			if cfg, err := loadConfig(); err == nil {
				logging.Configure(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Pretty)
			}
			if verbose {
				logging.SetLevel(logging.ParseLevel("debug"))
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.denis/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Denis v%s\n", version)
		},
	})

	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(enginesCmd())
	rootCmd.AddCommand(healthCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// WIRING
// ═══════════════════════════════════════════════════════════════════════════════

// buildPlane assembles the full control plane from configuration.
func buildPlane() (*controlplane.ControlPlane, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	// Env bindings in the config loader keep DENIS_* overrides ahead of the
	// file, so the fields feed the components directly.
	reg, err := registry.LoadFile(cfg.Registry.EnginesPath, registry.Options{
		Strict: cfg.Registry.Strict,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load engine registry: %w", err)
	}

	probe := health.New(health.WithTTL(time.Duration(cfg.Health.TTLSeconds) * time.Second))
	store := metrics.NewStore()

	sink, err := graph.OpenSQLite(cfg.Trace.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open decision graph: %w", err)
	}
	emitter := trace.NewEmitter(sink)

	sched := scheduler.New(reg, probe,
		scheduler.WithParallelLimits(cfg.Scheduler.ParallelLimits),
		scheduler.WithBoosterGate(func() bool { return cfg.Scheduler.AllowBoosters }))

	routerOpts := []router.Option{
		router.WithMaxAttempts(func() int { return cfg.Router.MaxAttempts }),
		router.WithDefaultTimeout(func() int { return cfg.Router.DefaultTimeoutSec }),
		router.WithMaxHop(func() int {
			if cfg.Router.MaxHop > 0 {
				return cfg.Router.MaxHop
			}
			return 0
		}),
		router.WithShadowGate(func() bool { return cfg.Gateway.Enabled && cfg.Gateway.ShadowMode }),
	}
	var planeOpts []controlplane.Option
	if cfg.Gateway.Enabled {
		gw, err := gateway.New(defaultGatewaySeed(reg), reg, probe)
		if err != nil {
			return nil, nil, fmt.Errorf("load gateway seed: %w", err)
		}
		routerOpts = append(routerOpts, router.WithGateway(gw))
		planeOpts = append(planeOpts, controlplane.WithGateway(gw))
	}

	rtr := router.New(reg, probe, store, emitter, routerOpts...)

	return controlplane.New(reg, probe, store, emitter, sched, rtr, planeOpts...), cfg, nil
}

func loadConfig() (*config.Config, error) {
	if cfgPath != "" {
		return config.LoadFromPath(cfgPath)
	}
	return config.Load()
}

// defaultGatewaySeed derives a minimal profile set from the catalog: every
// engine is a chat_general candidate, locals also serve the fast intents.
func defaultGatewaySeed(reg *registry.Registry) gateway.Seed {
	var all, locals []string
	expensive := make(map[string]bool)
	for _, eng := range reg.List(registry.Filter{}) {
		all = append(all, eng.ID)
		if eng.Local() {
			locals = append(locals, eng.ID)
		}
		if eng.Booster() {
			expensive[eng.ID] = true
		}
	}

	return gateway.Seed{
		Rules: map[gateway.RuleKey]string{
			{Intent: "greeting", Phase: "*"}:         "fast_talk",
			{Intent: "intent_detection", Phase: "*"}: "fast_talk",
		},
		Profiles: map[string]gateway.Profile{
			gateway.DefaultProfileID: {
				ID:         gateway.DefaultProfileID,
				Candidates: all,
				Strategy:   gateway.StrategyFallback,
				ToolPolicy: gateway.ToolPolicyReadOnly,
			},
			"fast_talk": {
				ID:         "fast_talk",
				Candidates: locals,
				Strategy:   gateway.StrategySingle,
				ToolPolicy: gateway.ToolPolicyReadOnly,
				Fast:       true,
			},
		},
		Expensive: expensive,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func routeCmd() *cobra.Command {
	var routeType string
	var taskType string
	var maxTokens int
	var maxCostUSD float64

	cmd := &cobra.Command{
		Use:   "route <prompt>",
		Short: "Route one prompt through the control plane",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plane, _, err := buildPlane()
			if err != nil {
				return err
			}
			defer plane.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			req := scheduler.Request{
				RequestID: uuid.NewString(),
				RouteType: routeType,
				TaskType:  taskType,
				Payload: scheduler.Payload{
					Messages: []provider.Message{
						{Role: "user", Content: strings.Join(args, " ")},
					},
					MaxTokens: maxTokens,
				},
				MaxCostUSD: maxCostUSD,
			}

			env, err := plane.Route(ctx, req, nil)
			if err != nil {
				return err
			}
			return printJSON(env)
		},
	}

	cmd.Flags().StringVar(&routeType, "route-type", "project", "route type (fast_talk, project)")
	cmd.Flags().StringVar(&taskType, "task-type", "", "task type resolved to a gateway profile (e.g. greeting)")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "response token cap (0 = engine default)")
	cmd.Flags().Float64Var(&maxCostUSD, "max-cost", 0, "per-request cost ceiling in USD (0 = none)")
	return cmd
}

func scheduleCmd() *cobra.Command {
	var routeType string
	var taskType string

	cmd := &cobra.Command{
		Use:   "schedule <prompt>",
		Short: "Build and print an inference plan without executing it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plane, _, err := buildPlane()
			if err != nil {
				return err
			}
			defer plane.Close()

			req := scheduler.Request{
				RequestID: uuid.NewString(),
				RouteType: routeType,
				TaskType:  taskType,
				Payload: scheduler.Payload{
					Messages: []provider.Message{
						{Role: "user", Content: strings.Join(args, " ")},
					},
				},
			}

			plan, err := plane.Schedule(context.Background(), req)
			if err != nil {
				return err
			}
			if plan == nil {
				fmt.Println("no routable engines (plan would be degraded)")
				return nil
			}
			return printJSON(plan)
		},
	}

	cmd.Flags().StringVar(&routeType, "route-type", "project", "route type (fast_talk, project)")
	cmd.Flags().StringVar(&taskType, "task-type", "", "task type resolved to a gateway profile (e.g. greeting)")
	return cmd
}

func enginesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "engines",
		Short: "List the engine catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg, err := registry.LoadFile(cfg.Registry.EnginesPath, registry.Options{Strict: cfg.Registry.Strict})
			if err != nil {
				return fmt.Errorf("load engine registry: %w", err)
			}

			fmt.Printf("registry %s (%d engines)\n\n", reg.Hash(), reg.Len())
			for _, eng := range reg.List(registry.Filter{}) {
				fmt.Printf("  %-24s %-10s prio=%-3d model=%s tags=%s\n",
					eng.ID, eng.Family, eng.Priority, eng.Model, strings.Join(eng.Tags, ","))
			}
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print control-plane health",
		RunE: func(cmd *cobra.Command, args []string) error {
			plane, cfg, err := buildPlane()
			if err != nil {
				return err
			}
			defer plane.Close()

			return printJSON(plane.Health(context.Background(), cfg.Scheduler.AllowBoosters))
		},
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
