// conclave drives multi-round panel deliberations over a decision problem
// and streams the engine's progress events as JSON lines.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"conclave/internal/checkpoint"
	"conclave/internal/config"
	"conclave/internal/deliberation"
	"conclave/internal/embedding"
	"conclave/internal/events"
	"conclave/internal/logging"
	"conclave/internal/model"
)

var (
	configPath string
	dbPath     string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "conclave",
	Short: "conclave - multi-expert deliberation engine",
	Long: `conclave orchestrates a panel of simulated expert viewpoints through
bounded rounds of argument, detects convergence, and synthesizes a
recommendation. Sessions checkpoint after every step and can be paused,
resumed, and killed across process restarts.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Initialize(verbose)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

var runCmd = &cobra.Command{
	Use:   "run [problem]",
	Short: "Start a deliberation session and stream its events",
	Long: `Starts a session for the given decision problem, drives it to a
terminal state, and writes every engine event to stdout as one JSON
object per line.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSession,
}

var resumeCmd = &cobra.Command{
	Use:   "resume [session-id]",
	Short: "Resume a paused or interrupted session from its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  resumeSession,
}

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Print a session's progress snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  sessionStatus,
}

var killCmd = &cobra.Command{
	Use:   "kill [session-id]",
	Short: "Retire a session at its next node boundary",
	Args:  cobra.ExactArgs(1),
	RunE:  killSession,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "conclave.yaml", "Configuration file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath(), "Checkpoint database path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(killCmd)
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "conclave.db"
	}
	return filepath.Join(home, ".conclave", "checkpoints.db")
}

// engine bundles the wired components for one CLI invocation.
type engine struct {
	registry *deliberation.Registry
	bus      *events.Bus
	store    *checkpoint.SQLiteStore
}

func buildEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	gateway, err := model.NewGateway(ctx, cfg.Model)
	if err != nil {
		return nil, err
	}
	embedEngine, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	store, err := checkpoint.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(cfg.Events.RetentionPerSession, cfg.Events.SubscriberBuffer)
	executor, err := deliberation.NewExecutor(cfg, gateway, embedding.NewScorer(embedEngine), store, bus)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &engine{
		registry: deliberation.NewRegistry(executor),
		bus:      bus,
		store:    store,
	}, nil
}

func (e *engine) close() {
	e.bus.Close()
	if err := e.store.Close(); err != nil {
		logging.Get(logging.CategoryCheckpoint).Warn("closing checkpoint store", zap.Error(err))
	}
}

func runSession(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eng, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	sessionID, err := eng.registry.Start(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "session %s\n", sessionID)
	return streamSession(ctx, eng, sessionID)
}

func resumeSession(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eng, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	if err := eng.registry.Resume(ctx, args[0]); err != nil {
		if errors.Is(err, deliberation.ErrAwaitingClarification) {
			return fmt.Errorf("session %s is waiting on a clarification answer", args[0])
		}
		return err
	}
	return streamSession(ctx, eng, args[0])
}

// streamSession prints the session's event stream as JSONL until the run
// finishes or suspends.
func streamSession(ctx context.Context, eng *engine, sessionID string) error {
	ch, history := eng.bus.Subscribe(sessionID)
	defer eng.bus.Unsubscribe(sessionID, ch)

	enc := json.NewEncoder(os.Stdout)
	for _, ev := range history {
		_ = enc.Encode(ev)
	}

	done := make(chan error, 1)
	go func() { done <- eng.registry.Wait(sessionID) }()

	var runErr error
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return runErr
			}
			_ = enc.Encode(ev)
		case err := <-done:
			// Drain whatever the publisher flushed before Run returned.
			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						return err
					}
					_ = enc.Encode(ev)
				default:
					if err != nil && !errors.Is(err, deliberation.ErrPaused) {
						return err
					}
					return nil
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func sessionStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eng, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	progress, err := eng.registry.Status(ctx, args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(progress)
}

func killSession(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eng, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	if err := eng.registry.Kill(ctx, args[0]); err != nil {
		return err
	}
	return eng.registry.Wait(args[0])
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
