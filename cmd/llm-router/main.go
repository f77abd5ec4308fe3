package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes, kept stable for scripting.
const (
	exitOK          = 0
	exitUsage       = 2
	exitConfig      = 3
	exitUnreachable = 4
	exitCredential  = 5
)

// exitError carries the process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "llm-router",
		Short:         "Unified LLM inference router",
		Long:          "A request-level gateway that routes generation requests across remote and local model backends.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file")

	root.AddCommand(
		newServeCmd(),
		newBenchCmd(),
		newModelsCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if coded, ok := err.(*exitError); ok {
			os.Exit(coded.code)
		}
		os.Exit(exitUsage)
	}
}
