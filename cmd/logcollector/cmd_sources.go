package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/scottbrown/logcollector/internal/audit"
	"github.com/scottbrown/logcollector/internal/config"
	"github.com/scottbrown/logcollector/internal/healthcheck"
	"github.com/scottbrown/logcollector/internal/source"
)

const checkTimeout = 10 * time.Second

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage registered sources",
	Long:  "List, add, update and delete sources in the sources file. A running collector reloads when the file changes.",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sources",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, al, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer al.Close()
		return printSources(cmd.OutOrStdout(), reg.Sources())
	},
}

var sourcesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a new source",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, al, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer al.Close()

		src, err := applySourceFlags(cmd, source.Source{})
		if err != nil {
			return err
		}
		if srcCheck {
			if err := checkTarget(cmd.Context(), src); err != nil {
				return err
			}
		}

		id, err := reg.Add(src)
		recordSourceEvent(al, audit.EventSourceAdded, id, "add", err, src)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added source %s (%s on %s)\n", id, src.Name, src.WithDefaults().ListenerKey())
		return nil
	},
}

var sourcesUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update a registered source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, al, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer al.Close()

		id := args[0]
		current, ok := reg.Source(id)
		if !ok {
			return fmt.Errorf("source %s: %w", id, source.ErrNotFound)
		}

		src, err := applySourceFlags(cmd, current)
		if err != nil {
			return err
		}
		if srcCheck {
			if err := checkTarget(cmd.Context(), src); err != nil {
				return err
			}
		}

		err = reg.Update(id, src)
		recordSourceEvent(al, audit.EventSourceUpdated, id, "update", err, src)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated source %s\n", id)
		return nil
	},
}

var sourcesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a registered source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, al, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer al.Close()

		id := args[0]
		src, _ := reg.Source(id)
		err = reg.Delete(id)
		recordSourceEvent(al, audit.EventSourceDeleted, id, "delete", err, src)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted source %s\n", id)
		return nil
	},
}

func openRegistry(cmd *cobra.Command) (*source.FileRegistry, *audit.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	reg, err := source.OpenFile(cfg.SourcesFile)
	if err != nil {
		return nil, nil, err
	}
	al, err := audit.New(cfg.Audit)
	if err != nil {
		return nil, nil, err
	}
	return reg, al, nil
}

// applySourceFlags overlays the flags that were set on src. Changing
// --target replaces the target; otherwise target flags edit the current one.
func applySourceFlags(cmd *cobra.Command, src source.Source) (source.Source, error) {
	flags := cmd.Flags()

	if flags.Changed("name") {
		src.Name = srcName
	}
	if flags.Changed("ip") {
		src.BindIP = srcIP
	}
	if flags.Changed("port") {
		src.Port = srcPort
	}
	if flags.Changed("protocol") || src.Protocol == "" {
		p, err := source.ParseProtocol(srcProtocol)
		if err != nil {
			return src, err
		}
		src.Protocol = p
	}
	if flags.Changed("batch-size") {
		src.BatchSize = srcBatch
	}
	if flags.Changed("allow-cidrs") {
		src.AllowedCIDRs = srcCIDRs
	}

	switch t := src.Target.(type) {
	case source.FolderTarget:
		if flags.Changed("folder") {
			t.Path = srcFolder
		}
		src.Target = t
	case source.HECTarget:
		if flags.Changed("hec-url") {
			t.URL = srcHECURL
		}
		if flags.Changed("hec-token") {
			t.Token = srcHECToken
		}
		src.Target = t
	}

	if flags.Changed("target") || src.Target == nil {
		if srcTarget == "" {
			return src, fmt.Errorf("--target is required (FOLDER or HEC)")
		}
		t, err := source.NewTarget(srcTarget, srcFolder, srcHECURL, srcHECToken)
		if err != nil {
			return src, err
		}
		if src.Target == nil || t.Kind() != src.Target.Kind() {
			// A new kind gets the default batch size for that kind.
			if !flags.Changed("batch-size") {
				src.BatchSize = 0
			}
		}
		src.Target = t
	}
	return src, nil
}

// checkTarget sends one probe event to a HEC target.
func checkTarget(ctx context.Context, src source.Source) error {
	t, ok := src.Target.(source.HECTarget)
	if !ok {
		return nil
	}
	m := healthcheck.New(healthcheck.WithProbeTimeout(checkTimeout))
	if err := m.Configure(t.URL, t.Token, config.DefaultHealthCheckInterval); err != nil {
		return fmt.Errorf("invalid HEC target: %w", err)
	}
	if err := m.Probe(ctx); err != nil {
		return fmt.Errorf("HEC check failed: %w", err)
	}
	return nil
}

func recordSourceEvent(al *audit.Logger, t audit.EventType, id, action string, err error, src source.Source) {
	details := map[string]any{"name": src.Name}
	if src.Port != 0 {
		details["listener"] = src.WithDefaults().ListenerKey()
	}
	if src.Target != nil {
		details["target"] = string(src.Target.Kind())
	}
	recordAudit(al, t, id, action, err, details)
}

// targetDetail describes a target for display with any token redacted.
func targetDetail(t source.Target) string {
	switch t := t.(type) {
	case source.FolderTarget:
		return t.Path
	case source.HECTarget:
		return t.URL + " (token " + healthcheck.RedactToken(t.Token) + ")"
	}
	return ""
}

func printSources(w io.Writer, sources map[string]source.Source) error {
	if len(sources) == 0 {
		_, err := fmt.Fprintln(w, "No sources registered.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tLISTENER\tADDRESS\tTARGET\tBATCH\tDESTINATION")
	for _, s := range source.Sorted(sources) {
		kind := ""
		if s.Target != nil {
			kind = string(s.Target.Kind())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Name, s.ListenerKey(), s.Address(), kind,
			strconv.Itoa(s.EffectiveBatchSize()), targetDetail(s.Target))
	}
	return tw.Flush()
}
