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

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/researchaccelerator-hub/profile-scraper/config"
	"github.com/researchaccelerator-hub/profile-scraper/continuity"
	"github.com/researchaccelerator-hub/profile-scraper/discovery"
	"github.com/researchaccelerator-hub/profile-scraper/events"
	"github.com/researchaccelerator-hub/profile-scraper/fetcher"
	"github.com/researchaccelerator-hub/profile-scraper/model"
	"github.com/researchaccelerator-hub/profile-scraper/scrape"
	"github.com/researchaccelerator-hub/profile-scraper/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, relying on environment")
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	rootCmd := &cobra.Command{
		Use:   "profile-scraper",
		Short: "Discovery-to-scrape orchestration engine for social profiles",
	}
	rootCmd.AddCommand(serveCmd(), queueCmd(), continuityCmd(), discoverCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}

// engine bundles the wired collaborators behind every command.
type engine struct {
	cfg          *config.ScraperConfig
	store        store.Store
	sink         events.Sink
	orchestrator *scrape.Orchestrator
	runner       *scrape.QueueRunner
	scheduler    *continuity.Scheduler
	materializer *discovery.Materializer
}

// buildEngine loads configuration and wires the store, sink, fetch chains and
// the components on top of them.
func buildEngine() (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	st, err := store.NewFactory().Create(store.Config{
		Backend: cfg.StoreBackend,
		DaprConfig: &store.DaprConfig{
			StateStoreName: cfg.StateStoreName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	var sink events.Sink
	switch cfg.EventsBackend {
	case "dapr":
		daprSink, err := events.NewDaprSink(cfg.PubSubName, cfg.EventsTopic)
		if err != nil {
			return nil, fmt.Errorf("failed to create dapr event sink: %w", err)
		}
		sink = daprSink
	case "nop":
		sink = events.NewNopSink()
	default:
		sink = events.NewLogSink()
	}

	factory := fetcher.NewFactory()
	if err := fetcher.RegisterAllStrategies(factory); err != nil {
		return nil, fmt.Errorf("failed to register fetch strategies: %w", err)
	}

	locks := scrape.NewLockRegistry()
	orchestrator := scrape.NewOrchestrator(locks, factory, st, sink, cfg, nil)

	return &engine{
		cfg:          cfg,
		store:        st,
		sink:         sink,
		orchestrator: orchestrator,
		runner:       scrape.NewQueueRunner(orchestrator, st, sink, cfg),
		scheduler:    continuity.NewScheduler(st, orchestrator, sink, cfg),
		materializer: discovery.NewMaterializer(st, sink),
	}, nil
}

// serveCmd runs the continuity loop until interrupted.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the continuity scheduler loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			defer eng.store.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().Msg("Starting continuity scheduler")
			eng.scheduler.Loop(ctx)
			return nil
		},
	}
}

// queueCmd drains a job's scrape queue once.
func queueCmd() *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "queue <job-id>",
		Short: "Run the scrape queue for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			defer eng.store.Close()

			var recordStatuses []model.RecordStatus
			for _, status := range statuses {
				recordStatuses = append(recordStatuses, model.RecordStatus(strings.TrimSpace(status)))
			}

			summary, err := eng.runner.Run(cmd.Context(), args[0], recordStatuses)
			if err != nil {
				return err
			}
			log.Info().
				Int("total", summary.Total).
				Int("scraped", summary.Scraped).
				Int("failed", summary.Failed).
				Int("skipped", summary.Skipped).
				Msg("Queue run finished")
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Record statuses to drain (default: suggested,failed)")
	return cmd
}

// continuityCmd configures continuity or triggers a cycle by hand.
func continuityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "continuity",
		Short: "Manage continuity schedules",
	}

	var intervalHours int
	configure := &cobra.Command{
		Use:   "configure <job-id>",
		Short: "Enable continuity for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			defer eng.store.Close()

			schedule, err := eng.scheduler.Configure(cmd.Context(), args[0], true, time.Duration(intervalHours)*time.Hour)
			if err != nil {
				return err
			}
			log.Info().
				Str("job_id", schedule.JobID).
				Dur("interval", schedule.Interval).
				Time("next_run_at", schedule.NextRunAt).
				Msg("Continuity configured")
			return nil
		},
	}
	configure.Flags().IntVar(&intervalHours, "interval-hours", 24, "Hours between cycles (floor enforced)")

	disable := &cobra.Command{
		Use:   "disable <job-id>",
		Short: "Disable continuity for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			defer eng.store.Close()

			if _, err := eng.scheduler.Configure(cmd.Context(), args[0], false, 24*time.Hour); err != nil {
				return err
			}
			log.Info().Str("job_id", args[0]).Msg("Continuity disabled")
			return nil
		},
	}

	run := &cobra.Command{
		Use:   "run <job-id>",
		Short: "Trigger one continuity cycle now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			defer eng.store.Close()

			result, err := eng.scheduler.RunCycle(cmd.Context(), args[0], "manual")
			if err != nil {
				return err
			}
			log.Info().
				Int("client_attempted", result.ClientAttempted).
				Int("competitor_attempted", result.CompetitorAttempted).
				Int("succeeded", result.Succeeded).
				Int("failed", result.Failed).
				Msg("Continuity cycle finished")
			if len(result.Errors) > 0 {
				fmt.Fprintln(os.Stderr, strings.Join(result.Errors, "\n"))
			}
			return nil
		},
	}

	cmd.AddCommand(configure, disable, run)
	return cmd
}

// discoverCmd persists scored candidate batches and applies operator
// approvals.
func discoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Materialize discovery batches and approvals",
	}

	var input string
	var mode string
	persist := &cobra.Command{
		Use:   "persist <job-id>",
		Short: "Persist a scored candidate batch from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			defer eng.store.Close()

			data, err := os.ReadFile(input)
			if err != nil {
				return fmt.Errorf("failed to read candidate file: %w", err)
			}
			var scored []model.ScoredCandidate
			if err := json.Unmarshal(data, &scored); err != nil {
				return fmt.Errorf("failed to parse candidate file: %w", err)
			}

			summary, err := eng.materializer.Persist(cmd.Context(), args[0], scored, mode, nil, nil)
			if err != nil {
				return err
			}
			log.Info().
				Str("run_id", summary.RunID).
				Int("discovered", summary.Discovered).
				Int("shortlisted", summary.Shortlisted).
				Int("top_picks", summary.TopPicks).
				Int("filtered", summary.Filtered).
				Msg("Batch persisted")
			return nil
		},
	}
	persist.Flags().StringVar(&input, "input", "", "Path to a JSON array of scored candidates")
	persist.Flags().StringVar(&mode, "mode", "replace", "Batch mode recorded on the run")
	_ = persist.MarkFlagRequired("input")

	approve := &cobra.Command{
		Use:   "approve <job-id> <profile-id>...",
		Short: "Approve profiles and queue them for scraping",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			defer eng.store.Close()

			summary, err := eng.materializer.ApproveAndQueue(cmd.Context(), args[0], args[1:])
			if err != nil {
				return err
			}
			log.Info().
				Int("approved", summary.Approved).
				Int("rejected", summary.Rejected).
				Int("queued", summary.Queued).
				Int("skipped", summary.Skipped).
				Msg("Approval applied")
			return nil
		},
	}

	cmd.AddCommand(persist, approve)
	return cmd
}
