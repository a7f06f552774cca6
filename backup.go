package sentrystore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/perimeterlabs/sentrystore/kv"
)

const backupSuffix = ".snap"

// Backup writes a snapshot of the whole store into the backup directory
// and returns its path. With flush set, the engine is synced to disk
// first. Snapshots include the schema version marker, so restoring one
// also restores the version it was taken at.
func (s *Store) Backup(flush bool) (string, error) {
	name := fmt.Sprintf("%d-%s%s", time.Now().Unix(), uuid.NewString(), backupSuffix)
	path := filepath.Join(s.backupDir, name)

	// Write to a temp name first so a crashed backup never looks like a
	// usable snapshot.
	tmp, err := os.CreateTemp(s.backupDir, name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating backup file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := kv.WriteSnapshot(s.db, tmp, flush); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing backup file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("finalizing backup: %w", err)
	}
	s.log.WithField("path", path).Info("backup written")
	return path, nil
}

// RestoreFromLatestBackup replaces the store's entire contents with the
// newest snapshot in the backup directory.
func (s *Store) RestoreFromLatestBackup() error {
	backups, err := s.listBackups()
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		return ErrNoBackups
	}
	return s.restoreFrom(backups[len(backups)-1])
}

func (s *Store) restoreFrom(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening backup: %w", err)
	}
	defer f.Close()

	if err := kv.RestoreSnapshot(s.db, f); err != nil {
		return fmt.Errorf("restoring backup %s: %w", filepath.Base(path), err)
	}
	s.capCache.Purge()
	s.log.WithField("path", path).Info("store restored from backup")
	return nil
}

// PurgeOldBackups deletes all but the newest keep snapshots.
func (s *Store) PurgeOldBackups(keep int) error {
	if keep < 0 {
		keep = 0
	}
	backups, err := s.listBackups()
	if err != nil {
		return err
	}
	if len(backups) <= keep {
		return nil
	}
	for _, path := range backups[:len(backups)-keep] {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing old backup: %w", err)
		}
		s.log.WithField("path", path).Debug("old backup removed")
	}
	return nil
}

// listBackups returns snapshot paths sorted oldest first. Names start
// with a unix timestamp, so lexicographic order is creation order within
// the same timestamp width.
func (s *Store) listBackups() ([]string, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return nil, fmt.Errorf("reading backup dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), backupSuffix) {
			continue
		}
		out = append(out, filepath.Join(s.backupDir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}
