package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"icc.tech/labcell/internal/core"
)

// CleanupOptions bound the archiver's work.
type CleanupOptions struct {
	RetentionDays int
	MaxCount      int // above this row count, every row is archived even if young
	DeleteBatch   int
	ArchiveDir    string
}

// CleanupResult summarises one archiver pass.
type CleanupResult struct {
	Archived int      `json:"archived"`
	Deleted  int      `json:"deleted"`
	Files    []string `json:"files,omitempty"`
}

// Cleanup archives process logs older than the retention window (or past
// the row cap) into month-stamped JSON files, then deletes them from the
// primary store in batches. Appending to an existing month file is
// idempotent per row id.
func (s *Store) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 90
	}
	if opts.DeleteBatch <= 0 {
		opts.DeleteBatch = 500
	}
	if opts.ArchiveDir == "" {
		return CleanupResult{}, core.NewConfigurationError("archive directory not configured", nil)
	}
	if err := os.MkdirAll(opts.ArchiveDir, 0o755); err != nil {
		return CleanupResult{}, core.NewConfigurationError(
			fmt.Sprintf("cannot create archive directory %q", opts.ArchiveDir), err)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -opts.RetentionDays)

	// Past the cap, every row is archived regardless of age.
	if opts.MaxCount > 0 {
		count, err := s.ProcessLogCount(ctx)
		if err != nil {
			return CleanupResult{}, err
		}
		if count > opts.MaxCount {
			now := time.Now().UTC()
			cutoff = now // everything is a candidate; batches run until one comes back short
		}
	}

	var result CleanupResult
	files := make(map[string]struct{})
	for {
		batch, err := s.processLogsBefore(ctx, cutoff, opts.DeleteBatch)
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			break
		}

		// Group by calendar month and append each group to its file
		// before deleting anything, so a failure never loses rows.
		byMonth := make(map[string][]ProcessLogRecord)
		for _, rec := range batch {
			key := rec.CreatedAt.UTC().Format("200601")
			byMonth[key] = append(byMonth[key], rec)
		}
		for month, recs := range byMonth {
			path := filepath.Join(opts.ArchiveDir, fmt.Sprintf("processlog_%s.json", month))
			if err := appendArchive(path, recs); err != nil {
				return result, err
			}
			files[path] = struct{}{}
		}

		ids := make([]int64, len(batch))
		for i, rec := range batch {
			ids[i] = rec.ID
		}
		if err := s.deleteProcessLogs(ctx, ids); err != nil {
			return result, err
		}
		result.Archived += len(batch)
		result.Deleted += len(batch)

		if len(batch) < opts.DeleteBatch {
			break
		}
		if err := ctx.Err(); err != nil {
			break
		}
	}

	for f := range files {
		result.Files = append(result.Files, f)
	}
	if result.Archived > 0 {
		slog.Info("process logs archived", "rows", result.Archived, "files", len(result.Files))
	}
	return result, nil
}

// appendArchive merges records into the month file's flat JSON array,
// skipping ids already present so re-runs never duplicate rows.
func appendArchive(path string, recs []ProcessLogRecord) error {
	var existing []ProcessLogRecord
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			return core.NewConfigurationError(
				fmt.Sprintf("archive file %q is corrupt", path), err)
		}
	} else if !os.IsNotExist(err) {
		return core.NewConfigurationError(fmt.Sprintf("read archive %q", path), err)
	}

	seen := make(map[int64]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec.ID] = struct{}{}
	}
	for _, rec := range recs {
		if _, dup := seen[rec.ID]; !dup {
			existing = append(existing, rec)
		}
	}

	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	return os.Rename(tmp, path)
}
