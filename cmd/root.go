package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/codexhelper/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "codex-helper",
	Short: "Local reverse proxy for coding-assistant LLM traffic",
	Long:  "Local reverse proxy that manages multiple LLM API upstreams with failover, retries, model routing and structured request logs.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version.Detailed("codex-helper"))
		},
	})
}
