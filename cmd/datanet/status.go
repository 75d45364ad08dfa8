package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type healthStatus struct {
	Status      string  `json:"status"`
	HealthScore float64 `json:"health_score"`
	LastCheck   string  `json:"last_check"`
	Timestamp   string  `json:"timestamp"`
}

func statusCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the health of a running node",
		Long:  `Query the /health endpoint of a node started with metrics enabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				addr = cfg.Metrics.Addr
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			status, err := fetchHealth(ctx, healthURL(addr))
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}
			renderHealth(cmd.OutOrStdout(), addr, status)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "metrics address of the node (default: the configured one)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func healthURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimSuffix(addr, "/") + "/health"
}

// fetchHealth accepts 503 responses since an unhealthy node still reports
// its score.
func fetchHealth(ctx context.Context, url string) (*healthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach node: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var status healthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &status, nil
}

func renderHealth(w io.Writer, addr string, status *healthStatus) {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Node " + addr))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Status"), scoreStyle(status.HealthScore).Render(strings.ToUpper(status.Status)))
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Health"), scoreStyle(status.HealthScore).Render(fmt.Sprintf("%.0f/100", status.HealthScore)))
	fmt.Fprintf(&b, "%s %s", labelStyle.Render("Last check"), mutedStyle.Render(status.LastCheck))
	fmt.Fprintln(w, panelStyle.Render(b.String()))
}
