package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/khryptorgraphics/rtverify/internal/config"
	"github.com/khryptorgraphics/rtverify/pkg/api"
	"github.com/khryptorgraphics/rtverify/pkg/database"
	"github.com/khryptorgraphics/rtverify/pkg/llm"
	"github.com/khryptorgraphics/rtverify/pkg/pipeline"
	"github.com/khryptorgraphics/rtverify/pkg/report"
	"github.com/khryptorgraphics/rtverify/pkg/sched"
	"github.com/khryptorgraphics/rtverify/pkg/spec"
	"github.com/khryptorgraphics/rtverify/pkg/uppaal"
)

var version = "1.0.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "rtverify",
		Short: "Autonomous verification pipeline for real-time task sets",
		Long: `rtverify takes a fixed-priority periodic task-set specification,
analyzes its schedulability, emits a timed-automata model with a matching
temporal-logic property set, runs the external model checker, and repairs
the specification until it converges or the repair budget is exhausted.

Exit codes for 'run': 0 converged, 2 diverged, 3 unrepairable,
4 cancelled, 1 internal error.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadFromFile(path)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func propertySource(cfg *config.Config, logger *slog.Logger) llm.PropertySource {
	if !cfg.LLM.Enabled {
		return nil
	}
	return llm.NewOllamaSource(cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Timeout.Std(), logger)
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		StrictPriority:      cfg.Pipeline.StrictPriority,
		AllowUnschedulable:  cfg.Pipeline.AllowUnschedulable,
		UseSharedScheduler:  cfg.Pipeline.UseSharedScheduler,
		AutoDefault:         cfg.Pipeline.AutoDefault,
		MaxRepairIterations: cfg.Pipeline.MaxRepairIterations,
		VerifyTimeout:       cfg.Verifier.Timeout.Std(),
	}
}

func runCmd() *cobra.Command {
	var configFile string
	var reportPath string
	var modelPath string

	cmd := &cobra.Command{
		Use:   "run <spec-file>",
		Short: "Run the full verification pipeline on a specification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			input, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading specification: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			verifier := uppaal.NewVerifytaVerifier(cfg.Verifier.BinaryPath, logger)
			controller := pipeline.New(pipelineConfig(cfg), verifier, logger,
				pipeline.WithPropertySource(propertySource(cfg, logger)))

			result, err := controller.Run(ctx, string(input))
			if err != nil {
				return err
			}

			fmt.Print(result.Log.Render())
			fmt.Printf("status: %s (%d iterations)\n", result.Status, result.Iterations)
			if result.Reason != "" {
				fmt.Printf("reason: %s\n", result.Reason)
			}

			if modelPath != "" && result.ModelXML != "" {
				if err := os.WriteFile(modelPath, []byte(result.ModelXML), 0o644); err != nil {
					return fmt.Errorf("writing model: %w", err)
				}
			}
			if reportPath != "" {
				doc, rerr := report.Render(result)
				if rerr != nil {
					return rerr
				}
				if err := os.WriteFile(reportPath, []byte(doc), 0o644); err != nil {
					return fmt.Errorf("writing report: %w", err)
				}
			}

			os.Exit(result.Status.ExitCode())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	cmd.Flags().StringVar(&reportPath, "report", "", "Write the design document to this path")
	cmd.Flags().StringVar(&modelPath, "model", "", "Write the emitted model to this path")
	return cmd
}

func validateCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "validate <spec-file>",
		Short: "Parse a specification and report its schedulability without verifying",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}

			input, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading specification: %w", err)
			}

			ts, err := spec.Load(string(input), spec.Options{AutoDefault: cfg.Pipeline.AutoDefault})
			if err != nil {
				return err
			}
			canon := ts.Canonical()
			res := sched.NewAnalyzer().Analyze(canon)

			fmt.Printf("tasks: %d\n", canon.Len())
			fmt.Printf("utilization: %.3f (Liu-Layland bound %.3f)\n", res.Utilization, res.LLBound)
			for _, t := range canon.Tasks {
				fmt.Printf("  %-20s T=%-6d D=%-6d C=%-6d P=%d R=%d\n",
					t.Name, t.PeriodMS, t.DeadlineMS, t.ExecutionMS, t.Priority, res.ResponseTimes[t.Name])
			}
			if res.Schedulable {
				fmt.Println("schedulable: yes")
				return nil
			}
			fmt.Printf("schedulable: no (failed: %v)\n", res.FailedTasks)
			if res.Proposal != nil {
				fmt.Printf("proposed repair: %s\n", res.Proposal.Rationale)
			}
			os.Exit(2)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	return cmd
}

func serveCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			var db *database.Manager
			if cfg.Database.Enabled {
				db, err = database.NewManager(&cfg.Database, logger)
				if err != nil {
					return err
				}
				defer db.Close()
			}

			verifier := uppaal.NewVerifytaVerifier(cfg.Verifier.BinaryPath, logger)
			server, err := api.NewServer(cfg, verifier, propertySource(cfg, logger), db, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Start(ctx)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Stop(shutdownCtx)
			}
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	return cmd
}
