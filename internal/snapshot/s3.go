// Package snapshot stores periodic camera frame snapshots in S3 so monitor
// dashboards can review what the presence detector saw.
package snapshot

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/examguard/proctor/internal/media"
	"github.com/examguard/proctor/pkg/storage"
)

const (
	// DefaultEvery is the minimum interval between stored snapshots per
	// attempt.
	DefaultEvery = 10 * time.Second

	jpegQuality   = 80
	uploadTimeout = 10 * time.Second
	maxInFlight   = 4
)

// Uploader is the slice of the S3 client the sink needs.
type Uploader interface {
	Upload(ctx context.Context, bucket, key, contentType string, body io.Reader) (string, error)
	GeneratePresignedDownloadURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
	SnapshotsBucket() string
	PresignExpire() time.Duration
}

// Sink encodes frames as JPEG and uploads them asynchronously. The storage
// key is assigned before the upload starts so presence samples can reference
// it immediately; a failed upload leaves a dangling key, which dashboards
// treat as "snapshot unavailable".
type Sink struct {
	up     Uploader
	every  time.Duration
	logger *zap.Logger

	sem chan struct{}

	mu   sync.Mutex
	last map[uuid.UUID]time.Time
}

// NewSink creates a snapshot sink. every <= 0 selects DefaultEvery.
func NewSink(up Uploader, every time.Duration, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if every <= 0 {
		every = DefaultEvery
	}
	return &Sink{
		up:     up,
		every:  every,
		logger: logger,
		sem:    make(chan struct{}, maxInFlight),
		last:   make(map[uuid.UUID]time.Time),
	}
}

// StoreFrame implements the session snapshot sink. Returns the storage key,
// or "" when the frame is throttled or upload capacity is exhausted. Never
// blocks the detector tick.
func (s *Sink) StoreFrame(attemptID uuid.UUID, f *media.Frame, at time.Time) string {
	s.mu.Lock()
	if last, ok := s.last[attemptID]; ok && at.Sub(last) < s.every {
		s.mu.Unlock()
		return ""
	}
	s.last[attemptID] = at
	s.mu.Unlock()

	select {
	case s.sem <- struct{}{}:
	default:
		s.logger.Debug("snapshot upload backlog, frame dropped")
		return ""
	}

	key := storage.SnapshotKey(attemptID.String(), at.UnixMilli())
	clone := f.Clone()
	go func() {
		defer func() { <-s.sem }()
		if err := s.upload(key, clone); err != nil {
			s.logger.Warn("snapshot upload failed", zap.String("key", key), zap.Error(err))
		}
	}()
	return key
}

func (s *Sink) upload(key string, f *media.Frame) error {
	img := &image.RGBA{
		Pix:    f.Pix,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()
	_, err := s.up.Upload(ctx, s.up.SnapshotsBucket(), key, "image/jpeg", &buf)
	return err
}

// DownloadURL returns a presigned download URL for a stored snapshot key, as
// recorded on face detection logs.
func (s *Sink) DownloadURL(ctx context.Context, key string) (string, error) {
	return s.up.GeneratePresignedDownloadURL(ctx, s.up.SnapshotsBucket(), key, s.up.PresignExpire())
}

// Forget drops the throttle entry for an attempt, typically on session stop.
func (s *Sink) Forget(attemptID uuid.UUID) {
	s.mu.Lock()
	delete(s.last, attemptID)
	s.mu.Unlock()
}
