// Package workdir allocates per-job scratch directories and keeps an
// on-disk snapshot of each job record for operator inspection. Snapshots
// are write-only from the scheduler's point of view; restart recovery is
// deliberately not built on them.
package workdir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/skywork/pkg/jobs"
)

// Store manages the work area.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/...      (files staged by the job itself)
type Store struct {
	root string
	log  *zap.Logger
}

// NewStore creates a store rooted at the given directory.
func NewStore(root string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{root: strings.TrimSpace(root), log: log}
}

// RootDir returns the configured root.
func (s *Store) RootDir() string { return s.root }

// Dir returns the job's directory path without creating it.
func (s *Store) Dir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

// Allocate creates the job's directory and returns its path.
func (s *Store) Allocate(jobID string) (string, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return "", fmt.Errorf("job_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return "", err
	}
	dir := s.Dir(jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	return dir, nil
}

// Snapshot writes the record to <job_id>/job.json atomically, via a temp
// file and rename, so an inspector never sees a torn write.
func (s *Store) Snapshot(rec jobs.JobRecord) error {
	if strings.TrimSpace(rec.JobID) == "" {
		return fmt.Errorf("job_id is required")
	}
	if _, err := s.Allocate(rec.JobID); err != nil {
		return err
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	dir := s.Dir(rec.JobID)
	tmp, err := os.CreateTemp(dir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, "job.json")); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

// Remove deletes the job's entire work area.
func (s *Store) Remove(jobID string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	return os.RemoveAll(s.Dir(jobID))
}

func (s *Store) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("work dir root is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// OnUpdate implements jobs.Listener: every visible record change is
// mirrored to disk. Failures are logged, never propagated into the job.
func (s *Store) OnUpdate(rec jobs.JobRecord) {
	if err := s.Snapshot(rec); err != nil {
		s.log.Warn("job snapshot failed",
			zap.String("job_id", rec.JobID),
			zap.Error(err))
	}
}

// OnTerminal implements jobs.Listener. The terminal snapshot is already
// covered by OnUpdate.
func (s *Store) OnTerminal(rec jobs.JobRecord) {}

// OnRemove implements jobs.Listener: an evicted job's work area goes with
// it, including the snapshot and any staged archives.
func (s *Store) OnRemove(rec jobs.JobRecord) {
	if err := s.Remove(rec.JobID); err != nil {
		s.log.Warn("work area cleanup failed",
			zap.String("job_id", rec.JobID),
			zap.Error(err))
	}
}
