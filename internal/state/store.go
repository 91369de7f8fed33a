package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"converge/internal/finding"
)

// DefaultBasePath is the default root directory for run state.
const DefaultBasePath = ".converge/runs"

const (
	stateFilename    = "state.json"
	findingsFilename = "findings.json"
	deferredFilename = "deferred.json"
	latestFilename   = "latest"
	reportFilename   = "report.json"
)

// CorruptError means a persisted record exists but cannot be read back.
// Recovery policy is to discard the run and start fresh against the same
// scope; resume must not guess at half-known state.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("state record %s is unreadable: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// Store reads and writes run state under a base directory, laid out as
// {base}/{scope-slug}/{run-id}/ with one subdirectory per iteration.
type Store struct {
	base string
}

// NewStore creates a Store rooted at base (DefaultBasePath if empty).
func NewStore(base string) *Store {
	if base == "" {
		base = DefaultBasePath
	}
	return &Store{base: base}
}

// Base returns the store's root directory.
func (s *Store) Base() string { return s.base }

// RunDir returns the directory for a run.
func (s *Store) RunDir(slug, runID string) string {
	return filepath.Join(s.base, slug, runID)
}

// IterDir returns the artifact directory for one iteration of a run.
func (s *Store) IterDir(slug, runID string, iteration int) string {
	return filepath.Join(s.RunDir(slug, runID), fmt.Sprintf("iter-%03d", iteration))
}

// EnsureIterDir creates the iteration directory if needed.
func (s *Store) EnsureIterDir(slug, runID string, iteration int) (string, error) {
	dir := s.IterDir(slug, runID, iteration)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create iteration dir: %w", err)
	}
	return dir, nil
}

// InitRun creates the run directory, writes the initial state, and marks
// the run as the scope's latest.
func (s *Store) InitRun(st *RunState) error {
	dir := s.RunDir(st.ScopeSlug, st.RunID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	st.StartedAt = time.Now().UTC().Format(time.RFC3339)
	if err := s.SaveState(st); err != nil {
		return err
	}
	latest := filepath.Join(s.base, st.ScopeSlug, latestFilename)
	if err := writeFileAtomic(latest, []byte(st.RunID+"\n")); err != nil {
		return fmt.Errorf("write latest marker: %w", err)
	}
	return nil
}

// SaveState durably persists the run state.
func (s *Store) SaveState(st *RunState) error {
	st.touch()
	path := filepath.Join(s.RunDir(st.ScopeSlug, st.RunID), stateFilename)
	return writeJSONAtomic(path, st)
}

// LoadState reads a run's state. Returns nil when no state file exists and
// a CorruptError when one exists but cannot be parsed.
func (s *Store) LoadState(slug, runID string) (*RunState, error) {
	return readJSON[RunState](filepath.Join(s.RunDir(slug, runID), stateFilename))
}

// LatestRunID returns the most recent run ID for a scope, or "" when the
// scope has never run.
func (s *Store) LatestRunID(slug string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.base, slug, latestFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read latest marker: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SaveFindings persists the current outstanding findings record.
func (s *Store) SaveFindings(slug, runID string, findings []finding.Finding) error {
	return writeJSONAtomic(filepath.Join(s.RunDir(slug, runID), findingsFilename), findings)
}

// LoadFindings reads the current findings record; nil when absent.
func (s *Store) LoadFindings(slug, runID string) ([]finding.Finding, error) {
	out, err := readJSON[[]finding.Finding](filepath.Join(s.RunDir(slug, runID), findingsFilename))
	if err != nil || out == nil {
		return nil, err
	}
	return *out, nil
}

// SaveDeferred persists the deferred-findings record.
func (s *Store) SaveDeferred(slug, runID string, deferred []finding.Deferred) error {
	return writeJSONAtomic(filepath.Join(s.RunDir(slug, runID), deferredFilename), deferred)
}

// LoadDeferred reads the deferred-findings record; nil when absent.
func (s *Store) LoadDeferred(slug, runID string) ([]finding.Deferred, error) {
	out, err := readJSON[[]finding.Deferred](filepath.Join(s.RunDir(slug, runID), deferredFilename))
	if err != nil || out == nil {
		return nil, err
	}
	return *out, nil
}

// SaveIteration writes the iteration record into its iteration directory.
func (s *Store) SaveIteration(slug, runID string, rec *IterationRecord) error {
	dir, err := s.EnsureIterDir(slug, runID, rec.Iteration)
	if err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(dir, "record.json"), rec)
}

// LoadIterations reads all iteration records for a run, ordered by number.
func (s *Store) LoadIterations(slug, runID string) ([]IterationRecord, error) {
	dir := s.RunDir(slug, runID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list run dir: %w", err)
	}
	var records []IterationRecord
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "iter-") {
			continue
		}
		rec, err := readJSON[IterationRecord](filepath.Join(dir, e.Name(), "record.json"))
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, *rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Iteration < records[j].Iteration })
	return records, nil
}

// SaveArtifact writes a named JSON artifact into an iteration directory
// (evaluate.json, fix.json, validate.json, cleanroom rounds).
func (s *Store) SaveArtifact(slug, runID string, iteration int, name string, v any) error {
	dir, err := s.EnsureIterDir(slug, runID, iteration)
	if err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(dir, name), v)
}

// LoadArtifact reads a named iteration artifact into out. Returns false
// when the artifact does not exist.
func (s *Store) LoadArtifact(slug, runID string, iteration int, name string, out any) (bool, error) {
	path := filepath.Join(s.IterDir(slug, runID, iteration), name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read artifact %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, &CorruptError{Path: path, Err: err}
	}
	return true, nil
}

// SaveReport writes the final convergence report document.
func (s *Store) SaveReport(slug, runID string, report any) (string, error) {
	path := filepath.Join(s.RunDir(slug, runID), reportFilename)
	if err := writeJSONAtomic(path, report); err != nil {
		return "", err
	}
	return path, nil
}

// LoadReport reads the final report document into out. Returns false when
// the run has not produced a report yet.
func (s *Store) LoadReport(slug, runID string, out any) (bool, error) {
	path := filepath.Join(s.RunDir(slug, runID), reportFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read report: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, &CorruptError{Path: path, Err: err}
	}
	return true, nil
}

// Discard removes a run directory entirely. Used when persisted state turns
// out to be corrupt and the run restarts fresh.
func (s *Store) Discard(slug, runID string) error {
	if slug == "" || runID == "" {
		return fmt.Errorf("refusing to discard with empty slug or run id")
	}
	return os.RemoveAll(s.RunDir(slug, runID))
}

// writeJSONAtomic marshals v and writes it via temp-file-then-rename, so a
// crash mid-write never leaves a truncated record in place.
func writeJSONAtomic(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, append(raw, '\n'))
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir for %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// readJSON reads a JSON record; nil when the file does not exist, a
// CorruptError when it exists but does not parse.
func readJSON[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}
	return &out, nil
}
