package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mysticmarks/llm-runner-router/internal/app"
	"github.com/mysticmarks/llm-runner-router/internal/config"
	"github.com/mysticmarks/llm-runner-router/internal/types"
)

func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect and edit the model registry",
	}
	cmd.AddCommand(newModelsListCmd(), newModelsAddCmd(), newModelsRemoveCmd())
	return cmd
}

func buildApp() (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, exitWith(exitConfig, err)
	}
	application, err := app.New(cfg)
	if err != nil {
		return nil, exitWith(exitConfig, err)
	}
	return application, nil
}

func newModelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered models",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := buildApp()
			if err != nil {
				return err
			}
			defer application.Close()

			snap := application.Registry.Snapshot()
			for _, desc := range snap.Models {
				caps := make([]string, 0, len(desc.Capabilities))
				for _, c := range desc.Capabilities {
					caps = append(caps, string(c))
				}
				fmt.Printf("%-45s ctx=%-7d $%.2f/$%.2f per M  [%s]\n",
					desc.ID, desc.ContextWindow,
					desc.InputPricePerMillion, desc.OutputPricePerMillion,
					strings.Join(caps, ","))
			}
			return nil
		},
	}
}

func newModelsAddCmd() *cobra.Command {
	var descJSON string
	var saveTo string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a model from a JSON descriptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			var desc types.ModelDescriptor
			if err := json.Unmarshal([]byte(descJSON), &desc); err != nil {
				return exitWith(exitUsage, fmt.Errorf("invalid descriptor JSON: %w", err))
			}

			application, err := buildApp()
			if err != nil {
				return err
			}
			defer application.Close()

			if err := application.Registry.Register(desc); err != nil {
				return exitWith(exitUsage, err)
			}
			if saveTo != "" {
				if err := application.Registry.SaveFile(saveTo); err != nil {
					return exitWith(exitConfig, fmt.Errorf("failed to save models file: %w", err))
				}
			}
			fmt.Printf("registered %s\n", desc.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&descJSON, "descriptor", "", "model descriptor as JSON (required)")
	cmd.Flags().StringVar(&saveTo, "save", "", "write the updated registry to a models.json file")
	cmd.MarkFlagRequired("descriptor")
	return cmd
}

func newModelsRemoveCmd() *cobra.Command {
	var saveTo string

	cmd := &cobra.Command{
		Use:   "remove <model-id>",
		Short: "Unregister a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := buildApp()
			if err != nil {
				return err
			}
			defer application.Close()

			if err := application.Registry.Unregister(args[0]); err != nil {
				return exitWith(exitUsage, err)
			}
			if saveTo != "" {
				if err := application.Registry.SaveFile(saveTo); err != nil {
					return exitWith(exitConfig, fmt.Errorf("failed to save models file: %w", err))
				}
			}
			fmt.Printf("removed %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&saveTo, "save", "", "write the updated registry to a models.json file")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return exitWith(exitConfig, err)
			}
			rendered, err := cfg.Print()
			if err != nil {
				return exitWith(exitConfig, err)
			}
			fmt.Fprint(os.Stdout, rendered)
			return nil
		},
	})
	return cmd
}
