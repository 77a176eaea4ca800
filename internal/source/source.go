// Package source defines log sources, their delivery targets and the
// registry that stores them.
package source

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/scottbrown/logcollector/internal/acl"
)

const (
	// DefaultHECBatchSize is applied to HEC sources without an explicit batch size.
	DefaultHECBatchSize = 500
	// DefaultFolderBatchSize is applied to folder sources without an explicit batch size.
	DefaultFolderBatchSize = 5000
)

// Protocol is the transport a source listens on.
type Protocol string

const (
	UDP Protocol = "UDP"
	TCP Protocol = "TCP"
)

// ParseProtocol accepts a protocol name in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToUpper(strings.TrimSpace(s))) {
	case UDP:
		return UDP, nil
	case TCP:
		return TCP, nil
	}
	return "", fmt.Errorf("protocol must be either UDP or TCP, got %q", s)
}

// Network returns the Go network name used to bind the protocol.
func (p Protocol) Network() string {
	return strings.ToLower(string(p))
}

// TargetKind names the variant of a Target.
type TargetKind string

const (
	KindFolder TargetKind = "FOLDER"
	KindHEC    TargetKind = "HEC"
)

// Target is where a source's batches are delivered.
// It is one of FolderTarget or HECTarget.
type Target interface {
	Kind() TargetKind
	validate() error
}

// FolderTarget appends batches to files under Path.
type FolderTarget struct {
	Path string
}

// Kind implements Target.
func (FolderTarget) Kind() TargetKind { return KindFolder }

func (t FolderTarget) validate() error {
	if strings.TrimSpace(t.Path) == "" {
		return &ValidationError{Field: "folder_path", Reason: "folder path is required for folder target"}
	}
	if err := os.MkdirAll(t.Path, 0750); err != nil {
		return &ValidationError{Field: "folder_path", Reason: fmt.Sprintf("could not create folder path: %v", err)}
	}
	probe := filepath.Join(t.Path, ".write_test")
	if err := os.WriteFile(probe, []byte("test"), 0600); err != nil {
		return &ValidationError{Field: "folder_path", Reason: fmt.Sprintf("folder is not writable: %v", err)}
	}
	_ = os.Remove(probe)
	return nil
}

// File is the path records of the named source are appended to.
func (t FolderTarget) File(sourceName string) string {
	return filepath.Join(t.Path, FileStem(sourceName)+".ndjson")
}

// FileStem turns a source name into a safe file name without extension.
func FileStem(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "logs"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
}

// HECTarget posts batches to an HTTP Event Collector.
type HECTarget struct {
	URL   string
	Token string
}

// Kind implements Target.
func (HECTarget) Kind() TargetKind { return KindHEC }

func (t HECTarget) validate() error {
	if err := ValidateHECURL(t.URL); err != nil {
		return &ValidationError{Field: "hec_url", Reason: err.Error()}
	}
	if strings.TrimSpace(t.Token) == "" {
		return &ValidationError{Field: "hec_token", Reason: "HEC token is required for HEC target"}
	}
	return nil
}

// ValidateHECURL checks that u is an absolute http or https URL with a host.
func ValidateHECURL(u string) error {
	if strings.TrimSpace(u) == "" {
		return errors.New("HEC URL is required")
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("HEC URL must use http or https scheme")
	}
	if parsed.Host == "" {
		return errors.New("HEC URL must include host")
	}
	return nil
}

// Source is a configured network ingestion point bound to one delivery target.
type Source struct {
	ID           string
	Name         string
	BindIP       string
	Port         int
	Protocol     Protocol
	Target       Target
	BatchSize    int
	AllowedCIDRs string
}

// ListenerKey identifies the binding this source occupies, e.g. "UDP:5141".
func (s Source) ListenerKey() string {
	return ListenerKey(s.Protocol, s.Port)
}

// ListenerKey builds the "PROTOCOL:port" key used for listener bindings.
func ListenerKey(p Protocol, port int) string {
	return string(p) + ":" + strconv.Itoa(port)
}

// Address is the host:port the listener binds to.
func (s Source) Address() string {
	return net.JoinHostPort(s.BindIP, strconv.Itoa(s.Port))
}

// EffectiveBatchSize returns BatchSize or the default for the target kind.
func (s Source) EffectiveBatchSize() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	if s.Target != nil && s.Target.Kind() == KindHEC {
		return DefaultHECBatchSize
	}
	return DefaultFolderBatchSize
}

// WithDefaults fills the protocol and batch size when they are unset.
func (s Source) WithDefaults() Source {
	if s.Protocol == "" {
		s.Protocol = UDP
	}
	if s.BatchSize == 0 {
		s.BatchSize = s.EffectiveBatchSize()
	}
	return s
}

// ValidationError reports the field that made a source invalid.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

// Validate checks the source's own fields. Folder targets are created and
// probed for writability.
func (s Source) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return &ValidationError{Field: "source_name", Reason: "name is required"}
	}

	ip := net.ParseIP(s.BindIP)
	if ip == nil || ip.To4() == nil {
		return &ValidationError{Field: "source_ip", Reason: fmt.Sprintf("%q is not a valid IPv4 address", s.BindIP)}
	}

	if s.Port < 1 || s.Port > 65535 {
		return &ValidationError{Field: "listener_port", Reason: "listener port must be between 1 and 65535"}
	}

	if _, err := ParseProtocol(string(s.Protocol)); err != nil {
		return &ValidationError{Field: "protocol", Reason: err.Error()}
	}

	if s.BatchSize < 0 {
		return &ValidationError{Field: "batch_size", Reason: "batch size must be positive"}
	}

	if s.AllowedCIDRs != "" {
		if _, err := acl.New(s.AllowedCIDRs); err != nil {
			return &ValidationError{Field: "allowed_cidrs", Reason: err.Error()}
		}
	}

	if s.Target == nil {
		return &ValidationError{Field: "target_type", Reason: "target type must be either FOLDER or HEC"}
	}
	return s.Target.validate()
}
