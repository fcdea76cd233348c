package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenBMB/IoA/internal/config"
	"github.com/OpenBMB/IoA/internal/engine"
	"github.com/OpenBMB/IoA/internal/llm"
	"github.com/OpenBMB/IoA/internal/observation"
)

func clientCmd() *cobra.Command {
	var apiAddr string
	var goal string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run an agent client: register, listen, and serve launch_goal",
		Run: func(cmd *cobra.Command, args []string) {
			runClient(apiAddr, goal)
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api-addr", ":5050", "listen address for the agent control API")
	cmd.Flags().StringVar(&goal, "goal", "", "launch this goal immediately and print the conclusion")
	return cmd
}

func runClient(apiAddr, goal string) {
	logger := setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := llm.NewClient(cfg.LLM.APIKey, cfg.LLM.APIBase, cfg.LLM.Model,
		cfg.LLM.Temperature, cfg.LLM.MaxTokens)
	completer := llm.NewGateway(client, logger)

	var observer observation.Source
	var sources []observation.Source
	for name, spec := range cfg.Agent.ObservationSources {
		src := observation.Build(name, spec)
		sources = append(sources, src)
		if observer == nil {
			observer = src
		}
	}

	eng, err := engine.New(ctx, engine.Options{
		Config:    cfg,
		Completer: completer,
		Executor:  engine.BuildExecutor(cfg.Tool),
		Observer:  observer,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()
	logger.Info("agent registered", "name", eng.Name())

	// Environment changes proactively open a discussion.
	if len(sources) > 0 {
		poller := observation.NewPoller(sources, 30*time.Second, logger,
			func(pctx context.Context, source, state string) {
				obsGoal := fmt.Sprintf(
					"The observed state of %s changed:\n%s\nDecide whether anything needs to be done, and do it.",
					source, state)
				go func() {
					if _, _, err := eng.LaunchGoal(pctx, obsGoal, eng.DefaultGoalOptions()); err != nil {
						logger.Error("observation goal failed", "source", source, "error", err)
					}
				}()
			})
		go poller.Run(ctx)
	}

	go func() {
		if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("relay loop stopped", "error", err)
			stop()
		}
	}()

	if goal != "" {
		go func() {
			commID, conclusion, err := eng.LaunchGoal(ctx, goal, eng.DefaultGoalOptions())
			if err != nil {
				logger.Error("goal failed", "error", err)
				stop()
				return
			}
			fmt.Printf("comm_id: %s\nconclusion:\n%s\n", commID, conclusion)
			stop()
		}()
	}

	if err := eng.Serve(ctx, apiAddr); err != nil {
		logger.Error("agent API stopped", "error", err)
		os.Exit(1)
	}
}
