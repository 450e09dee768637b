package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"refreshbot/internal/config"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file and print a summary",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.NewManager(cfgPath).Load()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		e := cfg.Engine
		fmt.Fprintf(out, "config ok: %s\n", cfgPath)
		fmt.Fprintf(out, "  engine:    max %d/day, quality >= %d, hours %02d-%02d, auto publish %v, autostart %v\n",
			e.MaxPerDay, e.QualityThreshold, e.ActiveHoursStart, e.ActiveHoursEnd, e.AutoPublish, e.Autostart)
		fmt.Fprintf(out, "  sources:   %d urls, %d sitemaps\n", len(cfg.Sources.URLs), len(cfg.Sources.Sitemaps))
		fmt.Fprintf(out, "  storage:   %s %s\n", cfg.Storage.Driver, cfg.Storage.Path)
		fmt.Fprintf(out, "  pipeline:  model %q, api key set %v\n", cfg.Pipeline.Model, strings.TrimSpace(cfg.Pipeline.APIKey) != "")
		fmt.Fprintf(out, "  notifier:  enabled %v\n", cfg.Notifier.Enabled)
		fmt.Fprintf(out, "  http:      enabled %v %s\n", cfg.HTTP.Enabled, cfg.HTTP.Addr)
		return nil
	},
}
