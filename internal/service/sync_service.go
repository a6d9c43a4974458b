package service

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/rostersync/internal/models"
	"github.com/noah-isme/rostersync/internal/sync"
	"github.com/noah-isme/rostersync/pkg/config"
	appErrors "github.com/noah-isme/rostersync/pkg/errors"
	"github.com/noah-isme/rostersync/pkg/jobs"
	"github.com/noah-isme/rostersync/pkg/storage"
)

// JobTypeRebuild rebuilds the local state from the remote store.
const JobTypeRebuild = "sync_rebuild"

type syncEngine interface {
	Status() models.StatusSnapshot
	PendingWrites() []sync.Entry
	Rebuild(ctx context.Context) error
	Flush()
}

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

// SnapshotInfo describes a freshly created mirror snapshot.
type SnapshotInfo struct {
	ID            string    `json:"id"`
	Filename      string    `json:"filename"`
	SizeBytes     int       `json:"size_bytes"`
	DownloadToken string    `json:"download_token"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// SnapshotDownload aggregates resolved download data.
type SnapshotDownload struct {
	File      *os.File
	Filename  string
	ExpiresAt time.Time
}

// SyncService exposes the sync engine to the presentation layer: status,
// pending writes, rebuild, and mirror snapshots.
type SyncService struct {
	engine    syncEngine
	queue     jobDispatcher
	snapshots *storage.LocalStorage
	signer    *storage.SignedURLSigner
	mirrorDir string
	cfg       config.SnapshotConfig
	logger    *zap.Logger
}

// NewSyncService constructs the sync service.
func NewSyncService(engine syncEngine, queue jobDispatcher, snapshots *storage.LocalStorage, signer *storage.SignedURLSigner, mirrorDir string, cfg config.SnapshotConfig, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{
		engine:    engine,
		queue:     queue,
		snapshots: snapshots,
		signer:    signer,
		mirrorDir: mirrorDir,
		cfg:       cfg,
		logger:    logger,
	}
}

// Status returns the current sync status.
func (s *SyncService) Status(ctx context.Context) models.StatusSnapshot {
	return s.engine.Status()
}

// PendingWrites lists queued writes awaiting replay, oldest first.
func (s *SyncService) PendingWrites(ctx context.Context) []sync.Entry {
	return s.engine.PendingWrites()
}

// EnqueueRebuild schedules a full rebuild of the local state from the remote
// store. The rebuild runs on the maintenance queue; progress is observable
// through the sync status.
func (s *SyncService) EnqueueRebuild(ctx context.Context, actor models.Actor) (string, error) {
	if !actor.IsAdmin() {
		return "", appErrors.Clone(appErrors.ErrPermission, "rebuild requires admin role")
	}
	jobID := uuid.NewString()
	if err := s.queue.Enqueue(jobs.Job{ID: jobID, Type: JobTypeRebuild}); err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue rebuild")
	}
	return jobID, nil
}

// CreateSnapshot flushes the mirror and archives it, returning a signed
// download token.
func (s *SyncService) CreateSnapshot(ctx context.Context, actor models.Actor) (*SnapshotInfo, error) {
	if !actor.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrPermission, "snapshots require admin role")
	}
	if !s.cfg.Enabled || s.snapshots == nil || s.signer == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "snapshots are disabled")
	}

	s.engine.Flush()
	data, err := s.buildArchive()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to archive mirror")
	}

	id := uuid.NewString()
	filename := fmt.Sprintf("%s.tar.gz", id)
	if _, err := s.snapshots.SaveAtomic(filename, data); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store snapshot")
	}
	token, expiresAt, err := s.signer.Generate(id, filename)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign snapshot URL")
	}

	s.logger.Info("mirror snapshot created",
		zap.String("snapshot_id", id),
		zap.Int("size_bytes", len(data)))
	return &SnapshotInfo{
		ID:            id,
		Filename:      filename,
		SizeBytes:     len(data),
		DownloadToken: token,
		CreatedAt:     time.Now().UTC(),
		ExpiresAt:     expiresAt,
	}, nil
}

// ResolveSnapshotDownload validates a token and opens the archived snapshot.
func (s *SyncService) ResolveSnapshotDownload(ctx context.Context, token string) (*SnapshotDownload, error) {
	if s.signer == nil || s.snapshots == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "snapshots are disabled")
	}
	_, relPath, expiresAt, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrPermission, "invalid or expired download token")
	}
	file, err := s.snapshots.Open(relPath)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "snapshot no longer available")
	}
	return &SnapshotDownload{
		File:      file,
		Filename:  filepath.Base(relPath),
		ExpiresAt: expiresAt,
	}, nil
}

// StartCleanup boots a goroutine that purges aged snapshots periodically.
func (s *SyncService) StartCleanup(ctx context.Context) {
	if !s.cfg.Enabled || s.snapshots == nil || s.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := s.snapshots.CleanupOlderThan(s.cfg.MaxAge)
				if err != nil {
					s.logger.Warn("snapshot cleanup failed", zap.Error(err))
					continue
				}
				if len(deleted) > 0 {
					s.logger.Info("aged snapshots removed", zap.Int("count", len(deleted)))
				}
			}
		}
	}()
}

// buildArchive packs every mirror file into a gzipped tarball.
func (s *SyncService) buildArchive() ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(s.mirrorDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.mirrorDir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		if _, err := io.Copy(tw, file); err != nil {
			file.Close() //nolint:errcheck
			return err
		}
		return file.Close()
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SyncWorker bridges maintenance queue jobs to the sync engine.
type SyncWorker struct {
	engine syncEngine
	logger *zap.Logger
}

// NewSyncWorker constructs a worker.
func NewSyncWorker(engine syncEngine, logger *zap.Logger) *SyncWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncWorker{engine: engine, logger: logger}
}

// Handle processes a queue job.
func (w *SyncWorker) Handle(ctx context.Context, job jobs.Job) error {
	switch job.Type {
	case JobTypeRebuild:
		if err := w.engine.Rebuild(ctx); err != nil {
			w.logger.Warn("rebuild failed",
				zap.String("job_id", job.ID),
				zap.Int("attempt", job.Attempt),
				zap.Error(err))
			return err
		}
		w.logger.Info("rebuild finished", zap.String("job_id", job.ID))
		return nil
	default:
		w.logger.Warn("unknown maintenance job type",
			zap.String("job_id", job.ID),
			zap.String("type", job.Type))
		return nil
	}
}
