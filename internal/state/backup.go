package state

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
)

// backupInfo pairs a backup path with its modification time.
type backupInfo struct {
	path  string
	mtime time.Time
}

// rotateBackups enforces the bounded-count retention policy over a project's
// backup snapshots. Deletion failures are swallowed; a failed rotation never
// fails the save that triggered it.
func (s *service) rotateBackups(projectDir string) {
	paths, err := filepath.Glob(filepath.Join(projectDir, "backup_*.json"))
	if err != nil || len(paths) <= s.config.BackupKeepCount {
		return
	}

	backups := make([]backupInfo, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		backups = append(backups, backupInfo{path: p, mtime: info.ModTime()})
	}

	// Ties on coarse filesystem timestamps fall back to the filename,
	// which embeds the save timestamp.
	sort.Slice(backups, func(i, j int) bool {
		if backups[i].mtime.Equal(backups[j].mtime) {
			return backups[i].path > backups[j].path
		}
		return backups[i].mtime.After(backups[j].mtime)
	})

	for _, b := range backups[min(s.config.BackupKeepCount, len(backups)):] {
		if err := os.Remove(b.path); err != nil {
			s.logger.Debug("failed to remove old backup",
				zap.String("path", b.path),
				zap.Error(err),
			)
		}
	}
}
