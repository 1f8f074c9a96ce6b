package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rag-eval/backend/internal/bootstrap"
	"github.com/rag-eval/backend/internal/seed"
	"github.com/rag-eval/backend/pkg/config"
	appLogger "github.com/rag-eval/backend/pkg/logger"
)

func buildRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "rageval",
		Short:         "Operate the RAG evaluation store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	cmd.AddCommand(
		buildSeedCmd(&configPath),
		buildEvalCmd(&configPath),
		buildDiagnoseCmd(&configPath),
		buildPromptsCmd(&configPath),
		buildIndexCmd(&configPath),
	)
	return cmd
}

func buildSeedCmd(configPath *string) *cobra.Command {
	var questionsPath string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the demo corpus, prompts, and eval questions",
		Long: `Load the built-in corpus: three documents of five passages, fifteen
evaluation questions, and the rag_default prompt templates.

Running seed twice adds nothing. Use --questions to add questions from a YAML
file; their gold chunks are resolved against the stored passages.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, app *bootstrap.App) error {
				corpus, err := seed.Default()
				if err != nil {
					return err
				}
				seeder := seed.NewSeeder(app.Orchestrator)
				res, err := seeder.Run(ctx, corpus)
				if err != nil {
					return err
				}
				if questionsPath != "" {
					qs, err := seed.LoadQuestions(questionsPath)
					if err != nil {
						return err
					}
					if err := seeder.SeedQuestions(ctx, qs, res); err != nil {
						return err
					}
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().StringVarP(&questionsPath, "questions", "q", "", "YAML file with extra eval questions")
	return cmd
}

func buildEvalCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Run evaluations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "offline",
		Short: "Score every stored eval question and record an offline run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, app *bootstrap.App) error {
				res, err := app.Orchestrator.RunOffline(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"run": res.Run, "metrics": res.Metrics})
			})
		},
	})
	return cmd
}

func buildDiagnoseCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose [trace-id]",
		Short: "Classify a stored query trace from its metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, *configPath, func(ctx context.Context, app *bootstrap.App) error {
				tag, metrics, err := app.Orchestrator.Diagnose(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"trace_id": id, "diagnosis": tag, "metrics": metrics})
			})
		},
	}
}

func buildPromptsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "Manage prompt templates",
	}

	var name string
	list := &cobra.Command{
		Use:   "list",
		Short: "List prompt templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, app *bootstrap.App) error {
				prompts, err := app.Orchestrator.ListPrompts(ctx, name)
				if err != nil {
					return err
				}
				return printJSON(cmd, prompts)
			})
		},
	}
	list.Flags().StringVarP(&name, "name", "n", "", "Only templates with this name")

	activate := &cobra.Command{
		Use:   "activate [id]",
		Short: "Make a template the only active one for its name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, *configPath, func(ctx context.Context, app *bootstrap.App) error {
				tpl, err := app.Orchestrator.ActivatePrompt(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd, tpl)
			})
		},
	}

	cmd.AddCommand(list, activate)
	return cmd
}

func buildIndexCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Maintain the vector index",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Push every stored chunk to the index again",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, app *bootstrap.App) error {
				res, err := app.Orchestrator.RebuildIndex(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	})
	return cmd
}

func withApp(cmd *cobra.Command, configPath string, fn func(ctx context.Context, app *bootstrap.App) error) error {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	if err := appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	return fn(ctx, app)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
