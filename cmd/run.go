package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browsegraph/api/schemas"
	"github.com/xkilldash9x/browsegraph/internal/agent"
	"github.com/xkilldash9x/browsegraph/internal/artifact"
	"github.com/xkilldash9x/browsegraph/internal/browser"
	"github.com/xkilldash9x/browsegraph/internal/browseragent"
	"github.com/xkilldash9x/browsegraph/internal/config"
	"github.com/xkilldash9x/browsegraph/internal/eventbus"
	"github.com/xkilldash9x/browsegraph/internal/llmclient"
	"github.com/xkilldash9x/browsegraph/internal/observability"
	"github.com/xkilldash9x/browsegraph/internal/store"
)

// newRunCmd creates the `run` command.
func newRunCmd() *cobra.Command {
	var (
		task       string
		startURL   string
		schemaFile string
		runID      string
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Runs a browsing task until it is done or the step budget runs out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			cfg.Run = config.RunConfig{Task: task, StartURL: startURL}

			outputSchema, err := readOutputSchema(schemaFile)
			if err != nil {
				return err
			}

			components, err := initializeRunComponents(ctx, cfg, browseragent.Config{
				Task:         task,
				StartURL:     startURL,
				OutputSchema: outputSchema,
				RunID:        runID,
			}, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize run components: %w", err)
			}

			logger.Info("Starting run",
				zap.String("run_id", components.Agent.RunID()),
				zap.Int("max_steps", cfg.Agent.MaxSteps),
				zap.Duration("step_timeout", cfg.Agent.StepTimeout),
			)

			history, err := components.Runner.Run(ctx, agent.RunOptions{
				MaxSteps:    cfg.Agent.MaxSteps,
				StepTimeout: cfg.Agent.StepTimeout,
			})
			if err != nil {
				return fmt.Errorf("run %s failed: %w", components.Agent.RunID(), err)
			}
			return printOutcome(cmd.OutOrStdout(), components.Agent.RunID(), history)
		},
	}

	runCmd.Flags().StringVarP(&task, "task", "t", "", "The task to accomplish in the browser (required)")
	runCmd.Flags().StringVar(&startURL, "start-url", "", "URL to open before the first step")
	runCmd.Flags().StringVar(&schemaFile, "output-schema", "", "Path to a JSON schema the final answer must follow")
	runCmd.Flags().StringVar(&runID, "run-id", "", "Identifier for persisted steps (default: random UUID)")
	runCmd.Flags().Int("max-steps", 0, "Maximum number of steps before giving up (default from config)")
	runCmd.Flags().Duration("step-timeout", 0, "Time limit for a single step (default from config)")
	runCmd.Flags().Int("max-failures", 0, "Consecutive failures tolerated before aborting (default from config)")
	runCmd.Flags().String("artifact", "", "Write the run history as JSON to this path")
	runCmd.Flags().Bool("headless", true, "Run the browser without a visible window")
	runCmd.Flags().String("model", "", "Planning model name (default from config)")
	runCmd.Flags().String("store", "", "History store: memory or postgres (default from config)")
	_ = runCmd.MarkFlagRequired("task")

	return runCmd
}

// runComponents holds everything a single run needs.
type runComponents struct {
	Agent  *browseragent.Agent
	Runner *agent.Runner
	Bus    *eventbus.Bus
}

// initializeRunComponents builds the browser, planner, store and runner for a
// task. Nothing is started until the runner runs.
func initializeRunComponents(ctx context.Context, cfg *config.Config, agentCfg browseragent.Config, logger *zap.Logger) (*runComponents, error) {
	gen, err := newGenerator(ctx, cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	planner := llmclient.NewPlanner(gen, cfg.Agent.MaxActionsPerStep, logger)

	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	session := browser.NewSession(newDriver(cfg.Browser, logger), cfg.Browser, logger)
	ag := browseragent.New(agentCfg, session, planner, st, logger)

	settings := agent.Settings{
		Policy: agent.FailurePolicy{
			MaxFailures:               cfg.Agent.MaxFailures,
			FinalResponseAfterFailure: cfg.Agent.FinalResponseAfterFailure,
		},
		GenerateArtifact: cfg.Agent.GenerateArtifact,
		Telemetry:        cfg.Agent.Telemetry.Enabled,
		HandleSignals:    handleSignals,
		EventStopTimeout: cfg.Agent.Telemetry.StopTimeout,
	}

	var opts []agent.RunnerOption
	components := &runComponents{Agent: ag}
	if cfg.Agent.Telemetry.Enabled {
		components.Bus = eventbus.New(logger, cfg.Agent.Telemetry.BufferSize)
		events, _ := components.Bus.Subscribe()
		go logEvents(components.Bus, events, logger)
		opts = append(opts, agent.WithEventPublisher(components.Bus))
	}
	if cfg.Agent.GenerateArtifact {
		opts = append(opts, agent.WithArtifactWriter(artifact.NewWriter(cfg.Agent.ArtifactPath, logger)))
	}

	components.Runner = agent.NewRunner(ag, logger, settings, opts...)
	return components, nil
}

// Seams for tests that must not start Chrome or call the model API.
var (
	newGenerator = llmclient.NewClient
	openStore    = store.Open
	newDriver    = func(cfg config.BrowserConfig, logger *zap.Logger) browser.Driver {
		return browser.NewCDPDriver(cfg, logger)
	}
)

// handleSignals is off in tests so interrupts reach the test binary.
var handleSignals = true

// logEvents records every bus event until the bus shuts down.
func logEvents(bus *eventbus.Bus, events <-chan eventbus.Event, logger *zap.Logger) {
	log := logger.Named("telemetry")
	for ev := range events {
		log.Debug("Run event.",
			zap.String("type", string(ev.Type)),
			zap.String("session_id", ev.SessionID),
			zap.String("task_id", ev.TaskID),
			zap.Any("payload", ev.Payload),
		)
		bus.Acknowledge(ev)
	}
}

func readOutputSchema(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("expand output schema path: %w", err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return "", fmt.Errorf("read output schema: %w", err)
	}
	var probe interface{}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", fmt.Errorf("output schema is not valid JSON: %w", err)
	}
	return string(data), nil
}

// printOutcome writes a short summary of the run for the user.
func printOutcome(w io.Writer, runID string, history *schemas.History) error {
	if history == nil {
		return errors.New("run produced no history")
	}
	status := "incomplete"
	if history.IsDone() {
		status = "failed"
		if s := history.IsSuccessful(); s != nil && *s {
			status = "succeeded"
		}
	}
	fmt.Fprintf(w, "Run %s %s after %d steps in %s.\n", runID, status, history.Len(), history.TotalDuration().Round(time.Millisecond))
	if result := history.FinalResult(); result != "" {
		fmt.Fprintln(w, result)
	}
	if !history.IsDone() {
		if errs := history.Errors(); len(errs) > 0 && errs[len(errs)-1] != "" {
			fmt.Fprintf(w, "Last error: %s\n", errs[len(errs)-1])
		}
	}
	return nil
}
