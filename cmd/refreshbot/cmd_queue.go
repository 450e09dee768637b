package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"refreshbot/internal/config"
	"refreshbot/internal/storage"
	"refreshbot/internal/task/queue"
	"refreshbot/pkg/logx"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or extend the refresh queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the saved queue in processing order",
	RunE:  runQueueList,
}

var queuePriority string

var queueAddCmd = &cobra.Command{
	Use:   "add URL",
	Short: "Ask the running engine to queue a page",
	Long: `Queue a page through the HTTP API of a running refreshbot. The page
goes in at high priority unless --priority says otherwise.`,
	Args: cobra.ExactArgs(1),
	RunE: runQueueAdd,
}

func init() {
	queueAddCmd.Flags().StringVarP(&queuePriority, "priority", "p", "", "critical, high, medium or low")
}

func runQueueList(cmd *cobra.Command, _ []string) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Driver: cfg.Storage.Driver,
		Path:   cfg.Storage.Path,
	}, logx.Nop())
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	data, err := store.LoadQueue(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	items, dropped, err := queue.DecodeSnapshot(data, time.Now())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tPRIORITY\tHEALTH\tRETRIES\tADDED\tURL")
	for i, it := range items {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%s\n", i+1, it.Priority, it.HealthScore, it.RetryCount, it.AddedAt.Local().Format(time.DateTime), it.URL)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if dropped > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "%d unreadable entries skipped\n", dropped)
	}
	return nil
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	if !cfg.HTTP.Enabled {
		return errors.New("http api is disabled; enable http to queue pages from the command line")
	}
	if p := strings.TrimSpace(queuePriority); p != "" {
		if _, ok := queue.ParsePriority(p); !ok {
			return fmt.Errorf("unknown priority %q", p)
		}
	}
	body, err := json.Marshal(map[string]string{"url": args[0], "priority": strings.TrimSpace(queuePriority)})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+cfg.HTTP.Addr+"/api/queue", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.HTTP.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.HTTP.Token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("is refreshbot running? %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	out := cmd.OutOrStdout()
	switch resp.StatusCode {
	case http.StatusCreated:
		fmt.Fprintln(out, "queued", args[0])
	case http.StatusOK:
		fmt.Fprintln(out, "already queued", args[0])
	case http.StatusAccepted:
		fmt.Fprintln(out, "accepted; the engine applies it at its next cycle")
	default:
		return fmt.Errorf("api: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}
