package main

import "github.com/spf13/cobra"

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(smokeTestCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(templateCmd)

	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesAddCmd)
	sourcesCmd.AddCommand(sourcesUpdateCmd)
	sourcesCmd.AddCommand(sourcesDeleteCmd)

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "f", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	registerSourceFlags(sourcesAddCmd)
	registerSourceFlags(sourcesUpdateCmd)

	smokeTestCmd.Flags().StringVar(&smokeHECURL, "hec-url", "", "Event collector URL (defaults to health_check.hec_url)")
	smokeTestCmd.Flags().StringVar(&smokeHECToken, "hec-token", "", "Event collector token (defaults to health_check.hec_token)")

	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "Status server address (defaults to status_addr)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw JSON document")
}

// registerSourceFlags binds the source attribute flags shared by add and update.
func registerSourceFlags(c *cobra.Command) {
	c.Flags().StringVar(&srcName, "name", "", "Source name")
	c.Flags().StringVar(&srcIP, "ip", "", "IPv4 address to bind")
	c.Flags().IntVar(&srcPort, "port", 0, "Listener port (1-65535)")
	c.Flags().StringVar(&srcProtocol, "protocol", "UDP", "Transport: UDP or TCP")
	c.Flags().StringVar(&srcTarget, "target", "", "Target type: FOLDER or HEC")
	c.Flags().StringVar(&srcFolder, "folder", "", "Folder path for FOLDER targets")
	c.Flags().StringVar(&srcHECURL, "hec-url", "", "Event collector URL for HEC targets")
	c.Flags().StringVar(&srcHECToken, "hec-token", "", "Event collector token for HEC targets")
	c.Flags().IntVar(&srcBatch, "batch-size", 0, "Records per batch (0 uses the target default)")
	c.Flags().StringVar(&srcCIDRs, "allow-cidrs", "", "Comma-separated CIDRs allowed to send")
	c.Flags().BoolVar(&srcCheck, "check", false, "Send a probe event to HEC targets before saving")
}
