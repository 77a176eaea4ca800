package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/scottbrown/logcollector/internal/healthcheck"
	"github.com/scottbrown/logcollector/internal/pipeline"
)

// statusReport is the document served at /status.
type statusReport struct {
	Version     string             `json:"version"`
	Pipeline    pipeline.Status    `json:"pipeline"`
	HealthCheck healthcheck.Status `json:"health_check"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running collector",
	Long:  "Fetch /status from a running collector and print sources, queues, delivery counters and the health check state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := statusAddr
		if addr == "" {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			addr = cfg.StatusAddr
		}
		if addr == "" {
			return fmt.Errorf("status server address is not configured")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		raw, err := fetchStatus(ctx, http.DefaultClient, addr)
		if err != nil {
			return err
		}
		if statusJSON {
			_, err := cmd.OutOrStdout().Write(raw)
			return err
		}

		var report statusReport
		if err := json.Unmarshal(raw, &report); err != nil {
			return fmt.Errorf("failed to decode status: %w", err)
		}
		return printStatus(cmd.OutOrStdout(), report)
	},
}

// fetchStatus returns the raw /status document from addr.
func fetchStatus(ctx context.Context, client *http.Client, addr string) ([]byte, error) {
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	url = strings.TrimSuffix(url, "/") + "/status"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach collector at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status request failed: %s", resp.Status)
	}
	return body, nil
}

func printStatus(w io.Writer, r statusReport) error {
	header := color.New(color.FgWhite, color.Bold)
	good := color.New(color.FgGreen)
	bad := color.New(color.FgRed)
	warn := color.New(color.FgYellow)

	state := func(on bool, yes, no string) string {
		if on {
			return good.Sprint(yes)
		}
		return bad.Sprint(no)
	}

	header.Fprintf(w, "logcollector %s\n", r.Version)
	fmt.Fprintf(w, "Pipeline: %s", state(r.Pipeline.Running, "running", "stopped"))
	if !r.Pipeline.StartedAt.IsZero() {
		fmt.Fprintf(w, " since %s", r.Pipeline.StartedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(w, ", reloads: %d\n", r.Pipeline.Reloads)
	if r.Pipeline.DLQFile != "" {
		fmt.Fprintf(w, "DLQ: %s\n", r.Pipeline.DLQFile)
	}

	hc := r.HealthCheck
	switch {
	case !hc.Configured:
		fmt.Fprintf(w, "Health check: %s\n", warn.Sprint("not configured"))
	default:
		fmt.Fprintf(w, "Health check: %s %s every %s (token %s), probes %d, failures %d\n",
			state(hc.Running, "running", "stopped"), hc.URL, hc.Interval, hc.Token, hc.Probes, hc.Failures)
		if hc.LastError != "" {
			fmt.Fprintf(w, "  last error: %s\n", bad.Sprint(hc.LastError))
		}
	}
	fmt.Fprintln(w)

	if len(r.Pipeline.Sources) == 0 {
		fmt.Fprintln(w, "No sources registered.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tLISTENER\tTARGET\tSTATE\tQUEUE\tRECEIVED\tPROCESSED\tQUEUE DROPS\tFAILURES\tLAST DELIVERY")
		for _, s := range r.Pipeline.Sources {
			st := "active"
			if !s.Active {
				st = "inactive"
			}
			last := "-"
			if !s.LastProcessed.IsZero() {
				last = s.LastProcessed.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%d\t%d\t%d\t%s\n",
				s.Name, s.Listener, s.Target, st, s.QueueDepth, s.QueueCapacity,
				s.Received, s.Processed, s.QueueDrops, s.Failures, last)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		for _, s := range r.Pipeline.Sources {
			if s.StartError != "" {
				fmt.Fprintf(w, "%s: %s\n", s.Name, bad.Sprint(s.StartError))
			} else if s.LastError != "" {
				fmt.Fprintf(w, "%s: last error: %s\n", s.Name, warn.Sprint(s.LastError))
			}
			if s.Circuit != "" && s.Circuit != "closed" {
				fmt.Fprintf(w, "%s: circuit %s\n", s.Name, bad.Sprint(s.Circuit))
			}
		}
	}

	if len(r.Pipeline.StuckTasks) > 0 {
		fmt.Fprintf(w, "\nStuck tasks: %s\n", bad.Sprint(strings.Join(r.Pipeline.StuckTasks, ", ")))
	}
	return nil
}
