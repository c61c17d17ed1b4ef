// Package cli implements the command-line interface for CloudArb.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudarb/cloudarb/internal/api"
	"github.com/cloudarb/cloudarb/internal/config"
	"github.com/cloudarb/cloudarb/internal/domain"
	"github.com/cloudarb/cloudarb/internal/logging"
	"github.com/cloudarb/cloudarb/internal/web"

	_ "github.com/cloudarb/cloudarb/internal/provider/aws"
	_ "github.com/cloudarb/cloudarb/internal/provider/azure"
	_ "github.com/cloudarb/cloudarb/internal/provider/gcp"
	_ "github.com/cloudarb/cloudarb/internal/provider/lambdalabs"
	_ "github.com/cloudarb/cloudarb/internal/provider/runpod"
)

// CLI encapsulates the command-line interface.
type CLI struct {
	rootCmd *cobra.Command
	logger  *logging.Logger
}

// New creates a new CLI instance.
func New() *CLI {
	cfg := config.Get()
	logger, _ := logging.New(logging.Config{
		Level:       logging.INFO,
		LogDir:      cfg.Logging.LogDir,
		EnableFile:  cfg.Logging.EnableFile,
		EnableColor: true,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
		Compress:    cfg.Logging.Compress,
	})
	cli := &CLI{logger: logger}
	cli.buildCommands()
	return cli
}

// Execute runs the CLI.
func (c *CLI) Execute() error {
	return c.rootCmd.Execute()
}

func (c *CLI) buildCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "cloudarb",
		Short: "Multi-cloud GPU pricing arbitrage and allocation",
		Long: `CloudArb continuously tracks GPU pricing across AWS, GCP, Azure,
Lambda Labs and RunPod, optimizes workload placement against a budget
and risk tolerance, and surfaces cross-provider arbitrage opportunities.`,
		Version: "1.0.0",
	}

	c.rootCmd.AddCommand(c.pricesCmd())
	c.rootCmd.AddCommand(c.optimizeCmd())
	c.rootCmd.AddCommand(c.arbitrageCmd())
	c.rootCmd.AddCommand(c.serveCmd())
}

// startComponentGraph builds and starts the component graph, then waits
// for the first pricing cycle to publish before handing control back to
// the caller.
func (c *CLI) startComponentGraph(ctx context.Context) (*api.API, error) {
	app := api.Init(config.Get())
	app.Start(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	app.RunAggregatorCycle(waitCtx)

	return app, nil
}

func (c *CLI) pricesCmd() *cobra.Command {
	var (
		gpuKind      string
		region       string
		outputFormat string
	)

	cmd := &cobra.Command{
		Use:   "prices",
		Short: "Show the current cross-provider pricing snapshot",
		Long: `Fetch one pricing cycle from every configured provider adapter
and print the resulting snapshot.

Examples:
  # All GPU kinds, all regions
  cloudarb prices

  # Only A100 lines
  cloudarb prices --gpu-kind a100

  # JSON output for scripting
  cloudarb prices --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			app, err := c.startComponentGraph(ctx)
			if err != nil {
				return err
			}
			defer app.Shutdown(context.Background())

			filter := domain.PriceFilter{}
			if gpuKind != "" {
				filter.GPUKinds = []string{gpuKind}
			}
			if region != "" {
				filter.Regions = []string{region}
			}

			snap := app.GetPricingSnapshot(filter)
			if outputFormat == "json" {
				return printJSON(snap)
			}
			return c.displayPricingTable(snap)
		},
	}

	cmd.Flags().StringVar(&gpuKind, "gpu-kind", "", "Filter by GPU kind (e.g. a100, h100)")
	cmd.Flags().StringVar(&region, "region", "", "Filter by region")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json")

	return cmd
}

func (c *CLI) displayPricingTable(snap api.PricingSnapshot) error {
	fmt.Printf("Generation %d, built at %s (%d lines)\n\n", snap.Generation, snap.BuiltAt.Format(time.RFC3339), len(snap.Points))

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tINSTANCE\tREGION\tGPU\tON-DEMAND/HR\tSPOT/HR\tAGE")
	for _, pp := range snap.Points {
		spot := "-"
		if pp.SpotHr != nil {
			spot = fmt.Sprintf("$%.2f", *pp.SpotHr)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t$%.2f\t%s\t%s\n",
			pp.Provider, pp.InstanceType, pp.Region, pp.GPUKind, pp.OnDemandHr, spot, pp.StalenessAge.Round(time.Second))
	}
	return w.Flush()
}

func (c *CLI) optimizeCmd() *cobra.Command {
	var (
		gpuKind       string
		count         int
		objective     string
		budget        float64
		riskTolerance float64
		outputFormat  string
	)

	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Solve a placement for a GPU workload",
		Long: `Find the lowest-cost (or highest-performance, or balanced)
placement for a GPU workload across providers, subject to a budget and
risk tolerance.

Examples:
  # 4 A100s, min-cost, $20/hr budget
  cloudarb optimize --gpu-kind a100 --count 4 --budget 20

  # Risk-tolerant (spot-leaning), balanced objective
  cloudarb optimize --gpu-kind h100 --count 2 --budget 50 --objective balanced --risk-tolerance 0.8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 40*time.Second)
			defer cancel()

			app, err := c.startComponentGraph(ctx)
			if err != nil {
				return err
			}
			defer app.Shutdown(context.Background())

			req := domain.Request{
				Items:         []domain.WorkloadItem{{GPUKind: gpuKind, MinCount: count, MaxCount: count}},
				Objective:     domain.Objective(objective),
				BudgetPerHr:   budget,
				RiskTolerance: riskTolerance,
			}

			alloc, err := app.QuickOptimize(ctx, req)
			if err != nil {
				return err
			}

			if outputFormat == "json" {
				return printJSON(alloc)
			}
			return c.displayAllocation(alloc)
		},
	}

	cmd.Flags().StringVar(&gpuKind, "gpu-kind", "a100", "GPU kind to provision")
	cmd.Flags().IntVar(&count, "count", 1, "Number of GPUs required")
	cmd.Flags().StringVar(&objective, "objective", string(domain.ObjectiveMinCost), "Objective: min-cost, max-performance, balanced")
	cmd.Flags().Float64Var(&budget, "budget", 100, "Budget per hour in USD")
	cmd.Flags().Float64Var(&riskTolerance, "risk-tolerance", 0, "Risk tolerance in [0,1]; 0 prefers on-demand, 1 prefers spot")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json")

	return cmd
}

func (c *CLI) displayAllocation(alloc domain.Allocation) error {
	fmt.Printf("Status: %s", alloc.Status)
	if alloc.Status == domain.StatusFeasibleGap {
		fmt.Printf(" (gap %.4f)", alloc.Gap)
	}
	if alloc.Status == domain.StatusInfeasible {
		fmt.Printf(" (binding: %s)", alloc.BindingReason)
	}
	fmt.Printf(", solved in %dms\n\n", alloc.SolveMs)

	if len(alloc.Lines) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tINSTANCE\tREGION\tCOUNT\tUNIT $/HR\tTOTAL $/HR")
	for _, l := range alloc.Lines {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t$%.2f\t$%.2f\n", l.Provider, l.InstanceType, l.Region, l.Count, l.UnitPricePerHr, l.TotalPricePerHr)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nTotal: $%.2f/hr\n", alloc.TotalPerHr())
	return nil
}

func (c *CLI) arbitrageCmd() *cobra.Command {
	var watch time.Duration

	cmd := &cobra.Command{
		Use:   "arbitrage",
		Short: "Watch for cross-provider arbitrage opportunities",
		Long: `Start the component graph and print arbitrage opportunities as
they are detected.

Examples:
  # Watch for 30 seconds
  cloudarb arbitrage --watch 30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
			app, err := c.startComponentGraph(startCtx)
			startCancel()
			if err != nil {
				return err
			}
			defer app.Shutdown(context.Background())

			fmt.Printf("Watching for arbitrage opportunities (%s)...\n", watch)
			sub := app.SubscribeOpportunities()

			watchCtx, watchCancel := context.WithTimeout(ctx, watch)
			defer watchCancel()

			for {
				select {
				case <-watchCtx.Done():
					return nil
				case opp := <-sub:
					fmt.Printf("[%s] %s: %s/%s -> %s/%s, savings %.1f%%, risk %.2f\n",
						opp.DetectedAt.Format(time.RFC3339), opp.GPUKind,
						opp.From.Provider, opp.From.Region, opp.To.Provider, opp.To.Region,
						opp.SavingsPct*100, opp.RiskScore)
				}
			}
		},
	}

	cmd.Flags().DurationVar(&watch, "watch", 30*time.Second, "How long to watch for opportunities")

	return cmd
}

func (c *CLI) serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the CloudArb HTTP API and web UI",
		Long: `Start the pricing aggregator, optimization engine and arbitrage
detector as background tasks, and serve them over HTTP.

Examples:
  # Serve on the default port
  cloudarb serve

  # Serve on a custom port
  cloudarb serve --port 3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Get()
			cfg.Server.Port = port

			app := api.Init(cfg)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			app.Start(ctx)

			server := web.NewServer(cfg, app)

			fmt.Printf("CloudArb API listening on :%d\n", port)
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutdownCancel()
				_ = app.Shutdown(shutdownCtx)
			}()

			return server.Start()
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8000, "Port to run the HTTP API on")

	return cmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
