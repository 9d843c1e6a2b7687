package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
)

const (
	legacyJSONExt  = ".json"
	legacyTraceExt = ".stacktrace"
)

// legacyHeader is the subset of an old JSON report the pipeline understands.
// Everything else in the file is carried as payload.
type legacyHeader struct {
	ID         string    `json:"id"`
	CapturedAt time.Time `json:"captured_at"`
	AppVersion string    `json:"app_version"`
}

// DirLegacySource reads the pre-partition layout: one file per report in a
// single flat directory, with no approval state.
type DirLegacySource struct {
	dir string
}

// NewLegacySource creates a source over dir. A missing dir has no entries.
func NewLegacySource(dir string) *DirLegacySource {
	return &DirLegacySource{dir: dir}
}

// Entries returns every legacy report sorted by file name. A file that cannot
// be read is still listed, with Err set, so one bad file does not hide the rest.
func (s *DirLegacySource) Entries() ([]domain.LegacyEntry, error) {
	if s.dir == "" {
		return nil, nil
	}
	dirents, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read legacy directory: %w", err)
	}

	var entries []domain.LegacyEntry
	for _, de := range dirents {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		ext := filepath.Ext(name)
		if ext != legacyJSONExt && ext != legacyTraceExt {
			continue
		}

		entry, err := s.load(name, ext)
		if err != nil {
			entry = domain.LegacyEntry{Name: name, Err: err}
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (s *DirLegacySource) load(name, ext string) (domain.LegacyEntry, error) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.LegacyEntry{}, fmt.Errorf("failed to read legacy report %s: %w", name, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return domain.LegacyEntry{}, fmt.Errorf("failed to stat legacy report %s: %w", name, err)
	}

	r := domain.Report{
		ID:         strings.TrimSuffix(name, ext),
		CapturedAt: info.ModTime(),
		Payload:    data,
	}

	if ext == legacyJSONExt {
		var h legacyHeader
		// Unparseable JSON is still a report; keep the raw bytes.
		if err := json.Unmarshal(data, &h); err == nil {
			if h.ID != "" {
				r.ID = h.ID
			}
			if !h.CapturedAt.IsZero() {
				r.CapturedAt = h.CapturedAt
			}
			r.AppVersion = h.AppVersion
		}
	}

	return domain.LegacyEntry{Name: name, Report: r}, nil
}

// Remove deletes the source file of a moved report.
func (s *DirLegacySource) Remove(entry domain.LegacyEntry) error {
	err := os.Remove(filepath.Join(s.dir, entry.Name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove legacy report %s: %w", entry.Name, err)
	}
	return nil
}

// Ensure DirLegacySource implements domain.LegacySource.
var _ domain.LegacySource = (*DirLegacySource)(nil)
