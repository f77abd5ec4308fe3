package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/mysticmarks/llm-runner-router/internal/providers/base"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("llm-router %s (%s/%s, %s)\n", base.Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
		},
	}
}
