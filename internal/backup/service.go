// Package backup archives the server's config directory so edits survive updates.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/reedfamily/cs2instance/internal/archive"
	"github.com/reedfamily/cs2instance/internal/log"
)

var ErrNotFound = errors.New("backup not found")

type Backup struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	CreatedAt string `json:"created_at"`
}

type Service struct {
	db     *sql.DB
	dir    string
	srcDir string
	logger zerolog.Logger
}

// NewService stores archives of srcDir in dir.
func NewService(db *sql.DB, dir, srcDir string) *Service {
	return &Service{db: db, dir: dir, srcDir: srcDir, logger: log.WithComponent("backup")}
}

// Create writes a tar.gz of the config directory.
func (s *Service) Create() (*Backup, error) {
	if _, err := os.Stat(s.srcDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("config directory not found: %s", s.srcDir)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}

	id := uuid.New().String()[:8]
	timestamp := time.Now().Format("20060102-150405")
	filename := fmt.Sprintf("cfg-%s-%s.tar.gz", timestamp, id)
	backupPath := filepath.Join(s.dir, filename)

	if err := archive.CreateFile(backupPath, s.srcDir); err != nil {
		os.Remove(backupPath)
		return nil, fmt.Errorf("create archive: %w", err)
	}

	info, err := os.Stat(backupPath)
	if err != nil {
		return nil, fmt.Errorf("stat backup: %w", err)
	}

	backup := &Backup{
		ID:        id,
		Filename:  filename,
		SizeBytes: info.Size(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	_, err = s.db.Exec(
		`INSERT INTO backups (id, filename, size_bytes, created_at) VALUES (?, ?, ?, ?)`,
		backup.ID, backup.Filename, backup.SizeBytes, backup.CreatedAt,
	)
	if err != nil {
		os.Remove(backupPath)
		return nil, fmt.Errorf("save backup record: %w", err)
	}

	s.logger.Info().Str("backup_id", id).Int64("size_bytes", backup.SizeBytes).Msg("config backup created")
	return backup, nil
}

// BeforeUpdate backs up the configs ahead of an update run, which may overwrite them.
func (s *Service) BeforeUpdate(context.Context) error {
	if _, err := os.Stat(s.srcDir); os.IsNotExist(err) {
		// Fresh install, nothing to keep yet.
		return nil
	}
	_, err := s.Create()
	return err
}

// List returns all backups, newest first.
func (s *Service) List() ([]Backup, error) {
	rows, err := s.db.Query(
		`SELECT id, filename, size_bytes, created_at FROM backups ORDER BY created_at DESC, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	backups := []Backup{}
	for rows.Next() {
		var b Backup
		if err := rows.Scan(&b.ID, &b.Filename, &b.SizeBytes, &b.CreatedAt); err != nil {
			return nil, err
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

// FilePath returns the full path to a backup file.
func (s *Service) FilePath(backupID string) (string, error) {
	var filename string
	err := s.db.QueryRow(`SELECT filename FROM backups WHERE id = ?`, backupID).Scan(&filename)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup backup: %w", err)
	}
	return filepath.Join(s.dir, filename), nil
}

// Delete removes a backup file and its database record.
func (s *Service) Delete(backupID string) error {
	path, err := s.FilePath(backupID)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove backup file: %w", err)
	}
	_, err = s.db.Exec(`DELETE FROM backups WHERE id = ?`, backupID)
	return err
}

// Restore replaces the config directory with the archive contents.
// The server should be stopped before calling this.
func (s *Service) Restore(backupID string) error {
	path, err := s.FilePath(backupID)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(s.srcDir); err != nil {
		return fmt.Errorf("clear config directory: %w", err)
	}
	if err := os.MkdirAll(s.srcDir, 0o755); err != nil {
		return fmt.Errorf("recreate config directory: %w", err)
	}

	if err := archive.ExtractFile(path, s.srcDir); err != nil {
		return fmt.Errorf("extract backup: %w", err)
	}
	s.logger.Info().Str("backup_id", backupID).Msg("config backup restored")
	return nil
}
