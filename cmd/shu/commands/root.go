// Package commands wires the Shu ingestion core into its two long-running
// processes: the queue worker and the scheduler.
package commands

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "shu",
	Short: "Shu ingestion core - asynchronous document ingestion, profiling, and scheduling",
	Long: `Shu turns uploaded files, plugin feeds, and scheduled experiences into
chunked, embedded, profiled documents inside knowledge bases. The worker
process consumes the workload queues; the scheduler process turns due feeds
and experiences into jobs.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Missing .env is fine; real deployments configure via environment.
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (YAML)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
