package source

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNotFound is returned when a source id is not in the registry.
	ErrNotFound = errors.New("source not found")
	// ErrDuplicateBinding is returned when two sources would share a protocol and port.
	ErrDuplicateBinding = errors.New("protocol and port already used by another source")
	// ErrDuplicateOutput is returned when two folder sources would append to one file.
	ErrDuplicateOutput = errors.New("output file already used by another source")
)

// Registry is the read side of the source store used by the pipeline.
type Registry interface {
	Sources() map[string]Source
	Source(id string) (Source, bool)
}

// Static is an in-memory Registry keyed by source id.
type Static map[string]Source

// Sources implements Registry.
func (s Static) Sources() map[string]Source {
	out := make(map[string]Source, len(s))
	for id, src := range s {
		out[id] = src
	}
	return out
}

// Source implements Registry.
func (s Static) Source(id string) (Source, bool) {
	src, ok := s[id]
	return src, ok
}

// Sorted returns sources ordered by name then id.
func Sorted(sources map[string]Source) []Source {
	out := make([]Source, 0, len(sources))
	for _, s := range sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// record is the on-disk shape of a source.
type record struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"source_name"`
	BindIP       string `yaml:"source_ip"`
	Port         int    `yaml:"listener_port"`
	Protocol     string `yaml:"protocol"`
	TargetType   string `yaml:"target_type"`
	FolderPath   string `yaml:"folder_path,omitempty"`
	HECURL       string `yaml:"hec_url,omitempty"`
	HECToken     string `yaml:"hec_token,omitempty"`
	BatchSize    int    `yaml:"batch_size,omitempty"`
	AllowedCIDRs string `yaml:"allowed_cidrs,omitempty"`
}

type file struct {
	Sources []record `yaml:"sources"`
}

func toRecord(s Source) record {
	r := record{
		ID:           s.ID,
		Name:         s.Name,
		BindIP:       s.BindIP,
		Port:         s.Port,
		Protocol:     string(s.Protocol),
		BatchSize:    s.BatchSize,
		AllowedCIDRs: s.AllowedCIDRs,
	}
	switch t := s.Target.(type) {
	case FolderTarget:
		r.TargetType = string(KindFolder)
		r.FolderPath = t.Path
	case HECTarget:
		r.TargetType = string(KindHEC)
		r.HECURL = t.URL
		r.HECToken = t.Token
	}
	return r
}

func fromRecord(r record) (Source, error) {
	s := Source{
		ID:           r.ID,
		Name:         r.Name,
		BindIP:       r.BindIP,
		Port:         r.Port,
		BatchSize:    r.BatchSize,
		AllowedCIDRs: r.AllowedCIDRs,
	}
	if r.Protocol != "" {
		p, err := ParseProtocol(r.Protocol)
		if err != nil {
			return Source{}, err
		}
		s.Protocol = p
	}
	t, err := NewTarget(r.TargetType, r.FolderPath, r.HECURL, r.HECToken)
	if err != nil {
		return Source{}, err
	}
	s.Target = t
	return s, nil
}

// NewTarget builds a Target variant from its kind name and parameters.
// The kind is matched case-insensitively.
func NewTarget(kind, folderPath, hecURL, hecToken string) (Target, error) {
	switch TargetKind(strings.ToUpper(strings.TrimSpace(kind))) {
	case KindFolder:
		return FolderTarget{Path: folderPath}, nil
	case KindHEC:
		return HECTarget{URL: hecURL, Token: hecToken}, nil
	}
	return nil, fmt.Errorf("target type must be either FOLDER or HEC, got %q", kind)
}

// FileRegistry stores sources in a YAML file. Every mutation is validated
// and written through to disk before it becomes visible.
type FileRegistry struct {
	path    string
	mu      sync.RWMutex
	sources map[string]Source
}

// OpenFile loads the registry at path. A missing file yields an empty registry.
func OpenFile(path string) (*FileRegistry, error) {
	if path == "" {
		return nil, errors.New("sources file path is required")
	}
	r := &FileRegistry{path: path, sources: map[string]Source{}}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the backing file path.
func (r *FileRegistry) Path() string {
	return r.path
}

// Reload re-reads the backing file, replacing the in-memory view.
// Records without an id are given one and the file is rewritten so the
// ids stay stable across processes and reloads.
func (r *FileRegistry) Reload() error {
	// #nosec G304 -- path is the operator-supplied sources file.
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		r.mu.Lock()
		r.sources = map[string]Source{}
		r.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read sources file: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse sources file: %w", err)
	}

	loaded := make(map[string]Source, len(f.Sources))
	assigned := 0
	for i, rec := range f.Sources {
		s, err := fromRecord(rec)
		if err != nil {
			return fmt.Errorf("source %d (%s): %w", i, rec.Name, err)
		}
		if s.ID == "" {
			s.ID = uuid.NewString()
			assigned++
		}
		if _, dup := loaded[s.ID]; dup {
			return fmt.Errorf("source %d (%s): duplicate id %s", i, rec.Name, s.ID)
		}
		loaded[s.ID] = s.WithDefaults()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if assigned > 0 {
		if err := r.save(loaded); err != nil {
			return fmt.Errorf("failed to persist assigned ids: %w", err)
		}
		slog.Info("assigned ids to sources", "file", r.path, "count", assigned)
	}
	r.sources = loaded

	slog.Debug("loaded sources", "file", r.path, "count", len(loaded))
	return nil
}

// Sources implements Registry.
func (r *FileRegistry) Sources() map[string]Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Static(r.sources).Sources()
}

// Source implements Registry.
func (r *FileRegistry) Source(id string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[id]
	return s, ok
}

// Add validates s, assigns it a new id and persists it.
func (r *FileRegistry) Add(s Source) (string, error) {
	s = s.WithDefaults()
	s.ID = uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check(s); err != nil {
		return "", err
	}

	next := Static(r.sources).Sources()
	next[s.ID] = s
	if err := r.save(next); err != nil {
		return "", err
	}
	r.sources = next

	slog.Info("added source", "source_id", s.ID, "source_name", s.Name)
	return s.ID, nil
}

// Update replaces the source with the given id.
func (r *FileRegistry) Update(id string, s Source) error {
	s = s.WithDefaults()
	s.ID = id

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sources[id]; !ok {
		return fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	if err := r.check(s); err != nil {
		return err
	}

	next := Static(r.sources).Sources()
	next[id] = s
	if err := r.save(next); err != nil {
		return err
	}
	r.sources = next

	slog.Info("updated source", "source_id", id, "source_name", s.Name)
	return nil
}

// Delete removes the source with the given id.
func (r *FileRegistry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sources[id]
	if !ok {
		return fmt.Errorf("source %s: %w", id, ErrNotFound)
	}

	next := Static(r.sources).Sources()
	delete(next, id)
	if err := r.save(next); err != nil {
		return err
	}
	r.sources = next

	slog.Info("deleted source", "source_id", id, "source_name", s.Name)
	return nil
}

// check validates s and its binding against every other source. Caller holds mu.
func (r *FileRegistry) check(s Source) error {
	if err := s.Validate(); err != nil {
		return err
	}
	for id, other := range r.sources {
		if id == s.ID {
			continue
		}
		if other.ListenerKey() == s.ListenerKey() {
			return fmt.Errorf("%s used by source %q: %w", s.ListenerKey(), other.Name, ErrDuplicateBinding)
		}
		if file, ok := outputFile(s); ok {
			if otherFile, ok := outputFile(other); ok && file == otherFile {
				return fmt.Errorf("%s used by source %q: %w", file, other.Name, ErrDuplicateOutput)
			}
		}
	}
	return nil
}

// outputFile is the absolute file a folder source appends to.
func outputFile(s Source) (string, bool) {
	t, ok := s.Target.(FolderTarget)
	if !ok {
		return "", false
	}
	file := t.File(s.Name)
	if abs, err := filepath.Abs(file); err == nil {
		file = abs
	}
	return filepath.Clean(file), true
}

// save writes sources to a temporary file and renames it over the registry file.
func (r *FileRegistry) save(sources map[string]Source) error {
	var f file
	for _, s := range Sorted(sources) {
		f.Sources = append(f.Sources, toRecord(s))
	}

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("failed to encode sources: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create sources directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".sources-*.yml")
	if err != nil {
		return fmt.Errorf("failed to save sources: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to save sources: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to save sources: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("failed to save sources: %w", err)
	}
	return nil
}
