package audit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/scottbrown/logcollector"
)

// formatCEF formats an audit event in Common Event Format for SIEM ingestion.
// CEF:Version|Device Vendor|Device Product|Device Version|Signature ID|Name|Severity|Extension
func formatCEF(event Event) []byte {
	header := fmt.Sprintf("CEF:0|%s|%s|%s|%s|%s|%d",
		cefHeaderEscape("logcollector"),
		cefHeaderEscape("Log Collector"),
		cefHeaderEscape(logcollector.Version()),
		cefHeaderEscape(string(event.EventType)),
		cefHeaderEscape(event.Action),
		determineSeverity(event),
	)
	return []byte(header + "|" + buildCEFExtensions(event))
}

// determineSeverity maps event outcomes to CEF severity levels (0-10).
func determineSeverity(event Event) int {
	if !event.Success {
		switch event.EventType {
		case EventPipelineStarted, EventPipelineReloaded:
			return 7
		default:
			return 6
		}
	}

	switch event.EventType {
	case EventSourceAdded, EventSourceUpdated, EventSourceDeleted, EventHealthCheckConfigured:
		return 5
	case EventPipelineStarted, EventPipelineStopped, EventPipelineReloaded:
		return 4
	default:
		return 3
	}
}

// buildCEFExtensions creates the extension field string using standard
// CEF keys where they exist.
func buildCEFExtensions(event Event) string {
	parts := []string{
		"act=" + cefExtEscape(event.Action),
		"suser=" + cefExtEscape(event.Actor),
		"outcome=" + cefExtEscape(event.Result),
	}
	if event.Resource != "" {
		parts = append(parts, "cs2="+cefExtEscape(event.Resource), "cs2Label=Resource")
	}

	if len(event.Details) > 0 {
		keys := make([]string, 0, len(event.Details))
		for k := range event.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		kv := make([]string, 0, len(keys))
		for _, k := range keys {
			kv = append(kv, fmt.Sprintf("%s=%v", k, event.Details[k]))
		}
		parts = append(parts, "cs1="+cefExtEscape(strings.Join(kv, ";")), "cs1Label=Details")
	}

	parts = append(parts, fmt.Sprintf("rt=%d", event.Timestamp.UnixMilli()))
	return strings.Join(parts, " ")
}

// cefHeaderEscape escapes backslash and pipe, the header delimiters.
func cefHeaderEscape(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "|", "\\|")
	return s
}

// cefExtEscape escapes backslash, equals and line breaks in extension values.
func cefExtEscape(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "=", "\\=")
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	return s
}
