// Command refreshbot runs the content refresh engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "refreshbot",
	Short: "Autonomous content refresh scheduler",
	Long: `refreshbot scans a site for pages that need attention, scores them,
regenerates the weakest ones and publishes the results within a daily limit
and active hours.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./refreshbot.yaml", "path to config file (json or yaml)")
	rootCmd.AddCommand(runCmd, checkCmd, queueCmd)
	queueCmd.AddCommand(queueListCmd, queueAddCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
