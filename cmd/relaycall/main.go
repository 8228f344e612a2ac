package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "relaycall",
	Short: "Relay calling consumer and gateway",
	Long: `relaycall tracks calls on a telephony relay: it correlates relay events
with call sessions, runs an interactive consumer, and can fan one relay
connection out to many consumers through a gRPC gateway.

Configuration is read from the environment (and ENV_FILE or .env).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile != "" {
			return os.Setenv("ENV_FILE", envFile)
		}
		return nil
	},
}

var envFile string

func main() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "env file to load (overrides ENV_FILE)")
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(journalCmd())
	rootCmd.AddCommand(callsCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
