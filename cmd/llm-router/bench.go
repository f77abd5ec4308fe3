package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mysticmarks/llm-runner-router/internal/app"
	"github.com/mysticmarks/llm-runner-router/internal/config"
	"github.com/mysticmarks/llm-runner-router/internal/types"
)

func newBenchCmd() *cobra.Command {
	var maxTokens int
	var temperature float64
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "bench <model> <prompt>",
		Short: "Send a one-off request to a model and print the result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return exitWith(exitConfig, err)
			}
			application, err := app.New(cfg)
			if err != nil {
				return exitWith(exitConfig, err)
			}
			defer application.Close()

			modelHint, prompt := args[0], args[1]
			id, err := application.Registry.Resolve(modelHint)
			if err != nil {
				return exitWith(exitUsage, err)
			}
			desc, _ := application.Registry.Get(id)
			if desc.InputPricePerMillion > 0 && !application.Credentials.Has(desc.ProviderTag) {
				return exitWith(exitCredential, fmt.Errorf("no credential for provider %s (set %s_API_KEY)", desc.ProviderTag, strings.ToUpper(desc.ProviderTag)))
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			req := &types.GenerationRequest{
				Prompt:      prompt,
				ModelHint:   modelHint,
				MaxTokens:   maxTokens,
				Temperature: temperature,
			}
			start := time.Now()
			resp, err := application.Router.Generate(ctx, req)
			if err != nil {
				return exitWith(exitUnreachable, err)
			}

			out := map[string]interface{}{
				"model":      resp.ModelID,
				"text":       resp.Text,
				"usage":      resp.Usage,
				"cost_usd":   resp.CostUSD,
				"latency_ms": time.Since(start).Milliseconds(),
				"finish":     string(resp.FinishReason),
			}
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(out)
		},
	}

	cmd.Flags().IntVar(&maxTokens, "max-tokens", 256, "maximum completion tokens")
	cmd.Flags().Float64Var(&temperature, "temperature", 0.7, "sampling temperature")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "request timeout")
	return cmd
}
