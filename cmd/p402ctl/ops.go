package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/p402/facilitator/internal/kv"
	"github.com/p402/facilitator/internal/ratelimit"
	"github.com/p402/facilitator/internal/replay"
)

var retention time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete replay ledger entries older than the retention window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		g := replay.NewGuard(replay.NewPostgresStore(db), replay.WithRetention(retention))
		n, err := g.Cleanup(cmd.Context())
		if err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d claims older than %s\n", n, retention)
		return nil
	},
}

var unbanCmd = &cobra.Command{
	Use:   "unban <identity>",
	Short: "Lift a payment rate limit ban (identity as logged, e.g. ip:203.0.113.7)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rdb, err := openRedis()
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()

		l := ratelimit.New(kv.NewRedisStore(rdb), ratelimit.DefaultConfig())
		if err := l.Unban(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("unban: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "unbanned %s\n", args[0])
		return nil
	},
}

var healthURL string

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print the health report of a running facilitator",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client := &http.Client{Timeout: 10 * time.Second}
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, strings.TrimRight(healthURL, "/")+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("query health: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}

		var report struct {
			Status  string `json:"status"`
			Version string `json:"version"`
			Checks  []struct {
				Name      string `json:"name"`
				Healthy   bool   `json:"healthy"`
				Degraded  bool   `json:"degraded"`
				Detail    string `json:"detail"`
				LatencyMs int64  `json:"latencyMs"`
			} `json:"checks"`
		}
		if err := json.Unmarshal(body, &report); err != nil {
			return fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, body)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "status: %s (version %s)\n", report.Status, report.Version)
		for _, c := range report.Checks {
			state := "ok"
			switch {
			case !c.Healthy:
				state = "FAIL"
			case c.Degraded:
				state = "DEGRADED"
			}
			fmt.Fprintf(out, "  %-12s %-8s %4dms %s\n", c.Name, state, c.LatencyMs, c.Detail)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("facilitator unhealthy")
		}
		return nil
	},
}

func init() {
	cleanupCmd.Flags().DurationVar(&retention, "retention", replay.DefaultRetention, "keep claims newer than this")
	healthCmd.Flags().StringVar(&healthURL, "url", "http://localhost:8080", "facilitator base URL")
}
