package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/scottbrown/logcollector/internal/config"
	"github.com/scottbrown/logcollector/internal/healthcheck"
)

var smokeTestCmd = &cobra.Command{
	Use:   "smoke-test",
	Short: "Test HTTP Event Collector connectivity",
	Long:  "Send one health check event to the configured HTTP Event Collector and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		hc := cfg.HealthCheck
		if cmd.Flags().Changed("hec-url") {
			hc.HECURL = smokeHECURL
		}
		if cmd.Flags().Changed("hec-token") {
			hc.HECToken = smokeHECToken
		}
		return performSmokeTest(cmd.Context(), cmd.OutOrStdout(), hc)
	},
}

// performSmokeTest sends a single probe and reports the result on w.
func performSmokeTest(ctx context.Context, w io.Writer, hc config.HealthCheckConfig) error {
	ok := color.New(color.FgGreen, color.Bold)
	fail := color.New(color.FgRed, color.Bold)

	fmt.Fprintf(w, "Testing HTTP Event Collector connectivity...\n")
	fmt.Fprintf(w, "URL: %s\n", hc.HECURL)

	if hc.HECURL == "" {
		fail.Fprintf(w, "✗ Error: HEC URL is not configured\n")
		fmt.Fprintf(w, "Set health_check.hec_url in the config file or use --hec-url\n")
		return errors.New("HEC URL is not configured")
	}
	if hc.HECToken == "" {
		fail.Fprintf(w, "✗ Error: HEC token is not configured\n")
		fmt.Fprintf(w, "Set health_check.hec_token in the config file or use --hec-token\n")
		return errors.New("HEC token is not configured")
	}

	interval := hc.Interval
	if interval <= 0 {
		interval = config.DefaultHealthCheckInterval
	}

	m := healthcheck.New()
	if err := m.Configure(hc.HECURL, hc.HECToken, interval); err != nil {
		fail.Fprintf(w, "✗ Error: %v\n", err)
		return err
	}
	if err := m.Probe(ctx); err != nil {
		fail.Fprintf(w, "✗ Error: %v\n", err)
		fmt.Fprintf(w, "Verify the HEC URL and token are correct\n")
		return err
	}

	ok.Fprintf(w, "✓ Success: HEC is reachable and the token is valid\n")
	return nil
}
