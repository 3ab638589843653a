// Package reliability snapshots the run database and keeps rotated copies in
// object storage.
package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aristath/qloop/internal/events"
	"github.com/rs/zerolog"
)

const (
	backupPrefix    = "qloop-backup-"
	backupSuffix    = ".tar.gz"
	timestampLayout = "2006-01-02-150405"
	metadataFile    = "backup-metadata.json"
)

// Snapshotter produces a consistent copy of a database file
type Snapshotter interface {
	Name() string
	SnapshotTo(ctx context.Context, dest string) error
}

// BackupMetadata is stored next to the snapshots inside each archive
type BackupMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes one snapshot in the archive
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo represents a stored backup
type BackupInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}

// BackupService archives database snapshots into an ObjectStore
type BackupService struct {
	databases  []Snapshotter
	store      ObjectStore
	stagingDir string
	keep       int
	bus        *events.Bus
	now        func() time.Time
	log        zerolog.Logger
}

// NewBackupService creates a backup service. keep is the number of newest
// backups retained by Rotate; bus may be nil.
func NewBackupService(
	databases []Snapshotter,
	store ObjectStore,
	dataDir string,
	keep int,
	bus *events.Bus,
	log zerolog.Logger,
) *BackupService {
	if keep < 1 {
		keep = 1
	}
	return &BackupService{
		databases:  databases,
		store:      store,
		stagingDir: filepath.Join(dataDir, "backup-staging"),
		keep:       keep,
		bus:        bus,
		now:        time.Now,
		log:        log.With().Str("service", "backup").Logger(),
	}
}

// Run creates and uploads a backup, then rotates old ones
func (s *BackupService) Run(ctx context.Context) (*BackupInfo, error) {
	start := time.Now()
	info, err := s.CreateAndUpload(ctx)
	if err != nil {
		return nil, err
	}

	pruned, err := s.Rotate(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Backup rotation failed")
	}

	if s.bus != nil {
		s.bus.Emit("reliability", &events.BackupCompletedData{
			Key:       info.Key,
			SizeBytes: info.SizeBytes,
			Duration:  time.Since(start).Seconds(),
			Pruned:    pruned,
		})
	}
	return info, nil
}

// CreateAndUpload snapshots every database into a tar.gz archive and
// uploads it
func (s *BackupService) CreateAndUpload(ctx context.Context) (*BackupInfo, error) {
	s.log.Info().Msg("Starting backup")
	startTime := time.Now()

	if err := os.MkdirAll(s.stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(s.stagingDir)

	timestamp := s.now().UTC()
	metadata := BackupMetadata{
		Timestamp: timestamp,
		Databases: make([]DatabaseMetadata, 0, len(s.databases)),
	}

	files := make([]string, 0, len(s.databases)+1)
	for _, db := range s.databases {
		filename := db.Name() + ".db"
		path := filepath.Join(s.stagingDir, filename)
		if err := db.SnapshotTo(ctx, path); err != nil {
			return nil, fmt.Errorf("failed to snapshot %s: %w", db.Name(), err)
		}

		stat, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s snapshot: %w", db.Name(), err)
		}
		checksum, err := calculateChecksum(path)
		if err != nil {
			return nil, fmt.Errorf("failed to checksum %s: %w", db.Name(), err)
		}

		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      db.Name(),
			Filename:  filename,
			SizeBytes: stat.Size(),
			Checksum:  checksum,
		})
		files = append(files, filename)
	}

	if err := writeMetadata(filepath.Join(s.stagingDir, metadataFile), metadata); err != nil {
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}
	files = append(files, metadataFile)

	key := backupPrefix + timestamp.Format(timestampLayout) + backupSuffix
	archivePath := filepath.Join(s.stagingDir, key)
	if err := createArchive(archivePath, s.stagingDir, files); err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()
	stat, err := archive.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	if err := s.store.Upload(ctx, key, archive); err != nil {
		return nil, err
	}

	s.log.Info().
		Dur("duration", time.Since(startTime)).
		Str("key", key).
		Int64("size_bytes", stat.Size()).
		Msg("Backup uploaded")

	return &BackupInfo{Key: key, Timestamp: timestamp, SizeBytes: stat.Size()}, nil
}

// ListBackups returns stored backups, newest first. Objects whose name does
// not carry a backup timestamp are ignored.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, backupPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, backupPrefix) || !strings.HasSuffix(obj.Key, backupSuffix) {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(obj.Key, backupPrefix), backupSuffix)
		timestamp, err := time.Parse(timestampLayout, raw)
		if err != nil {
			s.log.Warn().Str("key", obj.Key).Msg("Failed to parse timestamp from backup key")
			continue
		}
		backups = append(backups, BackupInfo{Key: obj.Key, Timestamp: timestamp, SizeBytes: obj.SizeBytes})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// Rotate deletes everything but the newest keep backups and returns the
// number deleted
func (s *BackupService) Rotate(ctx context.Context) (int, error) {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return 0, err
	}
	if len(backups) <= s.keep {
		return 0, nil
	}

	deleted := 0
	for _, backup := range backups[s.keep:] {
		if err := s.store.Delete(ctx, backup.Key); err != nil {
			s.log.Error().Err(err).Str("key", backup.Key).Msg("Failed to delete old backup")
			continue
		}
		deleted++
	}

	s.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(backups)-deleted).
		Msg("Backup rotation completed")
	return deleted, nil
}

func calculateChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(path string, metadata BackupMetadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

func createArchive(archivePath, sourceDir string, files []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	tarWriter := tar.NewWriter(gzipWriter)

	for _, name := range files {
		if err := addFileToArchive(tarWriter, filepath.Join(sourceDir, name), name); err != nil {
			return fmt.Errorf("failed to add %s: %w", name, err)
		}
	}

	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzipWriter.Close()
}

func addFileToArchive(tarWriter *tar.Writer, path, nameInArchive string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tarWriter, file)
	return err
}
