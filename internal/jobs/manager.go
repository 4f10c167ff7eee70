// Package jobs runs downloads in the background and tracks their progress
// in an in-memory registry keyed by job id.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvcoi/ytdl-web/internal/gateway"
	"github.com/lvcoi/ytdl-web/internal/transcode"
)

var (
	ErrFileNotAvailable = errors.New("file not available or download not completed")
	ErrFileMissing      = errors.New("file not found on server")
)

// DefaultTTL is how long a job stays in the registry after creation. Expired
// jobs are only removed when Cleanup is called.
const DefaultTTL = time.Hour

// Request describes a download to run.
type Request struct {
	URL      string
	FormatID string
	Type     string // "video" or "audio"

	// Optional tag values for MP3 output.
	Title  string
	Artist string
}

// Transcoder converts a finished download to MP3.
type Transcoder interface {
	Transcode(ctx context.Context, input string) (string, error)
}

// Notifier receives every snapshot after it changes.
type Notifier interface {
	Publish(Snapshot)
}

// Config wires a Manager. Gateway and OutputDir are required.
type Config struct {
	Gateway    gateway.Gateway
	Transcoder Transcoder
	Notifier   Notifier
	OutputDir  string
	Logger     *zap.Logger
}

// Manager owns the job registry. One mutex guards the map and every job in
// it; it is never held across gateway, filesystem or notifier calls.
type Manager struct {
	mu   sync.Mutex
	jobs map[string]*job

	gateway    gateway.Gateway
	transcoder Transcoder
	notifier   Notifier
	outputDir  string
	ttl        time.Duration
	logger     *zap.Logger

	now   func() time.Time
	newID func() string
	tag   func(path string, tags transcode.Tags) error
	wg    sync.WaitGroup
}

func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tc := cfg.Transcoder
	if tc == nil {
		tc = transcode.New(logger)
	}
	return &Manager{
		jobs:       make(map[string]*job),
		gateway:    cfg.Gateway,
		transcoder: tc,
		notifier:   cfg.Notifier,
		outputDir:  cfg.OutputDir,
		ttl:        DefaultTTL,
		logger:     logger,
		now:        time.Now,
		newID:      uuid.NewString,
		tag:        transcode.EmbedTags,
	}
}

// OutputDir is the folder downloads are written to.
func (m *Manager) OutputDir() string { return m.outputDir }

// Submit registers a job in the starting state and runs it on its own
// goroutine. It returns before any bytes are transferred.
func (m *Manager) Submit(req Request) string {
	if req.Type == "" {
		req.Type = "video"
	}
	id := m.newID()
	j := newJob(id, m.now())

	m.mu.Lock()
	m.jobs[id] = j
	snap := j.snap
	m.mu.Unlock()

	m.logger.Info("download submitted",
		zap.String("id", id),
		zap.String("url", req.URL),
		zap.String("format", req.FormatID),
		zap.String("type", req.Type),
	)
	m.publish(snap)

	m.wg.Add(1)
	go m.run(id, req)
	return id
}

// Status returns a copy of the job, or an unknown snapshot for ids that
// were never issued or have been cleaned up.
func (m *Manager) Status(id string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Snapshot{Status: StatusUnknown, Message: unknownMessage}
	}
	return j.snap
}

// List returns every tracked job, newest first.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	out := make([]Snapshot, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.snap)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].StartTime > out[k].StartTime })
	return out
}

// Active counts jobs that have not reached a terminal state.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if !j.snap.Status.Terminal() {
			n++
		}
	}
	return n
}

// Open returns the finished file of a completed job. The caller closes it.
func (m *Manager) Open(id string) (*os.File, string, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	var path string
	if ok && j.snap.Status == StatusCompleted {
		path = j.path
	}
	m.mu.Unlock()

	if path == "" {
		return nil, "", ErrFileNotAvailable
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", ErrFileMissing
		}
		return nil, "", fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	return f, filepath.Base(path), nil
}

// Cleanup removes every job created more than the TTL ago, whatever its
// state, and returns how many were removed. Files on disk are kept.
func (m *Manager) Cleanup() int {
	now := m.now()
	m.mu.Lock()
	removed := 0
	for id, j := range m.jobs {
		if now.Sub(j.created) > m.ttl {
			delete(m.jobs, id)
			removed++
		}
	}
	m.mu.Unlock()
	if removed > 0 {
		m.logger.Info("cleaned up old jobs", zap.Int("removed", removed))
	}
	return removed
}

// Wait blocks until every running job has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) run(id string, req Request) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("download panicked", zap.String("id", id), zap.Any("panic", r))
			m.fail(id, fmt.Sprintf("Download failed: %v", r))
		}
	}()
	ctx := context.Background()

	wantMP3 := req.Type == "audio" || strings.Contains(strings.ToLower(req.FormatID), "mp3")
	mode := gateway.ModeVideo
	if req.Type == "audio" {
		mode = gateway.ModeAudio
	}

	if err := os.MkdirAll(m.outputDir, 0o755); err != nil {
		m.fail(id, "Download failed: "+err.Error())
		return
	}

	path, err := m.gateway.Materialize(ctx, gateway.MaterializeRequest{
		URL:       req.URL,
		FormatID:  req.FormatID,
		Mode:      mode,
		OutputDir: m.outputDir,
	}, m.relay(id))
	if err != nil {
		m.logger.Error("download failed", zap.String("id", id), zap.Error(err))
		m.fail(id, "Download failed: "+err.Error())
		return
	}
	if _, err := os.Stat(path); err != nil {
		m.logger.Error("download failed - file not found", zap.String("id", id), zap.String("path", path))
		m.fail(id, msgNotFound)
		return
	}

	if wantMP3 {
		m.update(id, Patch{Status: ptr(StatusProcessing), Message: ptr(msgConverting)})
		out, err := m.transcoder.Transcode(ctx, path)
		if err != nil {
			m.logger.Error("mp3 conversion failed", zap.String("id", id), zap.Error(err))
			m.fail(id, "MP3 conversion failed: "+conversionCause(err))
			return
		}
		path = out
		m.embedTags(id, path, req)
	}

	m.complete(id, path)
	m.logger.Info("download completed", zap.String("id", id), zap.String("file", filepath.Base(path)))
}

func (m *Manager) embedTags(id, path string, req Request) {
	tags := transcode.Tags{Title: req.Title, Artist: req.Artist}
	if tags.Title == "" {
		tags.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := m.tag(path, tags); err != nil {
		m.logger.Warn("id3 tagging failed", zap.String("id", id), zap.Error(err))
	}
}

// conversionCause drops the sentinel prefix so messages read
// "MP3 conversion failed: <cause>".
func conversionCause(err error) string {
	return strings.TrimPrefix(err.Error(), transcode.ErrTranscodeFailed.Error()+": ")
}

func (m *Manager) update(id string, p Patch) {
	m.merge(id, p, (*job).apply)
}

// merge applies a patch under the lock and publishes the result.
func (m *Manager) merge(id string, p Patch, apply func(*job, Patch) bool) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok || !apply(j, p) {
		m.mu.Unlock()
		return
	}
	snap := j.snap
	m.mu.Unlock()
	m.publish(snap)
}

// finish moves a job into a terminal state.
func (m *Manager) finish(id string, mutate func(*job)) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok || j.snap.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	mutate(j)
	snap := j.snap
	m.mu.Unlock()
	m.publish(snap)
}

func (m *Manager) complete(id, path string) {
	m.finish(id, func(j *job) {
		j.path = path
		j.snap.Status = StatusCompleted
		j.snap.Percent = 100
		j.snap.Filename = filepath.Base(path)
		j.snap.Filepath = path
		j.snap.Message = msgCompleted
	})
}

func (m *Manager) fail(id, message string) {
	m.finish(id, func(j *job) {
		j.snap.Status = StatusError
		j.snap.Message = message
	})
}

func (m *Manager) publish(s Snapshot) {
	if m.notifier != nil {
		m.notifier.Publish(s)
	}
}
