package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lvcoi/ytdl-web/internal/gateway"
	"github.com/lvcoi/ytdl-web/internal/transcode"
)

type scriptedGateway struct {
	events  []gateway.Progress
	name    string
	write   bool
	err     error
	release chan struct{}

	mu   sync.Mutex
	reqs []gateway.MaterializeRequest
}

func (g *scriptedGateway) Probe(ctx context.Context, url string) (*gateway.ProbeResult, error) {
	return nil, errors.New("not used")
}

func (g *scriptedGateway) Materialize(ctx context.Context, req gateway.MaterializeRequest, onProgress func(gateway.Progress)) (string, error) {
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	g.mu.Unlock()
	if g.release != nil {
		<-g.release
	}
	for _, e := range g.events {
		onProgress(e)
	}
	if g.err != nil {
		return "", g.err
	}
	path := filepath.Join(req.OutputDir, g.name)
	if g.write {
		if err := os.WriteFile(path, []byte("media"), 0o644); err != nil {
			return "", err
		}
	}
	return path, nil
}

func (g *scriptedGateway) lastRequest() gateway.MaterializeRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reqs[len(g.reqs)-1]
}

type fakeTranscoder struct {
	err   error
	calls int
}

func (f *fakeTranscoder) Transcode(ctx context.Context, input string) (string, error) {
	f.calls++
	if f.err != nil {
		return input, fmt.Errorf("%w: %w", transcode.ErrTranscodeFailed, f.err)
	}
	out := strings.TrimSuffix(input, filepath.Ext(input)) + ".mp3"
	if err := os.Rename(input, out); err != nil {
		return input, err
	}
	return out, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (n *recordingNotifier) Publish(s Snapshot) {
	n.mu.Lock()
	n.snaps = append(n.snaps, s)
	n.mu.Unlock()
}

func (n *recordingNotifier) statuses() []Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Status, 0, len(n.snaps))
	for _, s := range n.snaps {
		out = append(out, s.Status)
	}
	return out
}

func newTestManager(t *testing.T, gw gateway.Gateway, tc Transcoder) (*Manager, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	m := New(Config{
		Gateway:    gw,
		Transcoder: tc,
		Notifier:   n,
		OutputDir:  filepath.Join(t.TempDir(), "downloads"),
	})
	m.tag = func(string, transcode.Tags) error { return nil }
	return m, n
}

func TestSubmitReturnsBeforeTransfer(t *testing.T) {
	gw := &scriptedGateway{name: "clip.mp4", write: true, release: make(chan struct{})}
	m, _ := newTestManager(t, gw, &fakeTranscoder{})

	id := m.Submit(Request{URL: "https://example.com/v", FormatID: "22"})
	snap := m.Status(id)
	if snap.Status != StatusStarting {
		t.Fatalf("expected starting, got %s", snap.Status)
	}
	if snap.Speed != "0 MB/s" || snap.ETA != "Unknown" || snap.Filesize != "0 MB" || snap.Message != "Starting download..." || snap.Percent != 0 {
		t.Fatalf("unexpected initial snapshot %+v", snap)
	}
	if snap.StartTime <= 0 || snap.ID != id {
		t.Fatalf("expected start time and id, got %+v", snap)
	}

	close(gw.release)
	m.Wait()
	if got := m.Status(id).Status; got != StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
}

func TestJobCompletes(t *testing.T) {
	gw := &scriptedGateway{
		name:  "clip.mp4",
		write: true,
		events: []gateway.Progress{
			{Status: gateway.StatusDownloading, Downloaded: 50, Total: 100, Speed: 2 * 1024 * 1024, ETA: 3, Filename: "/x/clip.mp4"},
			{Status: gateway.StatusFinished, Total: 100, Filename: "/x/clip.mp4"},
		},
	}
	m, n := newTestManager(t, gw, &fakeTranscoder{})

	id := m.Submit(Request{URL: "u", FormatID: "22", Type: "video"})
	m.Wait()

	snap := m.Status(id)
	if snap.Status != StatusCompleted || snap.Percent != 100 || snap.Filename != "clip.mp4" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Message != "Download completed successfully!" {
		t.Fatalf("unexpected message %q", snap.Message)
	}
	if snap.Filepath != filepath.Join(m.OutputDir(), "clip.mp4") {
		t.Fatalf("unexpected filepath %q", snap.Filepath)
	}

	want := []Status{StatusStarting, StatusDownloading, StatusProcessing, StatusCompleted}
	got := n.statuses()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("published statuses %v, want %v", got, want)
	}
	if req := gw.lastRequest(); req.Mode != gateway.ModeVideo || req.FormatID != "22" {
		t.Fatalf("unexpected gateway request %+v", req)
	}

	f, name, err := m.Open(id)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	if name != "clip.mp4" || string(data) != "media" {
		t.Fatalf("unexpected file %q %q", name, data)
	}
}

func TestMultiPartDownloadDoesNotRegress(t *testing.T) {
	gw := &scriptedGateway{
		name:  "clip.mp4",
		write: true,
		events: []gateway.Progress{
			{Status: gateway.StatusDownloading, Downloaded: 80, Total: 100, Filename: "/x/clip.f137.mp4"},
			{Status: gateway.StatusFinished, Total: 100, Filename: "/x/clip.f137.mp4"},
			{Status: gateway.StatusDownloading, Downloaded: 3, Total: 100, Filename: "/x/clip.f140.m4a"},
			{Status: gateway.StatusFinished, Total: 100, Filename: "/x/clip.f140.m4a"},
		},
	}
	m, n := newTestManager(t, gw, &fakeTranscoder{})
	m.Submit(Request{URL: "u", FormatID: "137+140"})
	m.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.snaps {
		if s.Status == StatusProcessing && (s.Percent != 100 || s.Message == msgDownload) {
			t.Fatalf("processing snapshot went backwards: %+v", s)
		}
	}
}

func TestDefaultTypeIsVideo(t *testing.T) {
	gw := &scriptedGateway{name: "a.mp4", write: true}
	tc := &fakeTranscoder{}
	m, _ := newTestManager(t, gw, tc)
	m.Submit(Request{URL: "u", FormatID: "18"})
	m.Wait()
	if gw.lastRequest().Mode != gateway.ModeVideo || tc.calls != 0 {
		t.Fatalf("expected plain video download, mode=%s transcodes=%d", gw.lastRequest().Mode, tc.calls)
	}
}

func TestStatusUnknown(t *testing.T) {
	m, _ := newTestManager(t, &scriptedGateway{}, &fakeTranscoder{})
	snap := m.Status("nope")
	if snap.Status != StatusUnknown || snap.Message != "Download not found or expired" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestGatewayErrorMarksJobFailed(t *testing.T) {
	gw := &scriptedGateway{err: errors.New("boom")}
	m, _ := newTestManager(t, gw, &fakeTranscoder{})
	id := m.Submit(Request{URL: "u", FormatID: "22"})
	m.Wait()

	snap := m.Status(id)
	if snap.Status != StatusError || snap.Message != "Download failed: boom" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if _, _, err := m.Open(id); !errors.Is(err, ErrFileNotAvailable) {
		t.Fatalf("expected ErrFileNotAvailable, got %v", err)
	}
}

func TestMissingOutputMarksJobFailed(t *testing.T) {
	gw := &scriptedGateway{name: "ghost.mp4"}
	m, _ := newTestManager(t, gw, &fakeTranscoder{})
	id := m.Submit(Request{URL: "u", FormatID: "22"})
	m.Wait()

	snap := m.Status(id)
	if snap.Status != StatusError || snap.Message != "Download failed - file not found" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestAudioJobIsTranscoded(t *testing.T) {
	gw := &scriptedGateway{name: "song.webm", write: true}
	tc := &fakeTranscoder{}
	m, n := newTestManager(t, gw, tc)
	var tagged transcode.Tags
	m.tag = func(path string, tags transcode.Tags) error {
		tagged = tags
		return errors.New("tagging is best effort")
	}

	id := m.Submit(Request{URL: "u", FormatID: "bestaudio/best", Type: "audio", Artist: "Someone"})
	m.Wait()

	snap := m.Status(id)
	if snap.Status != StatusCompleted || snap.Filename != "song.mp3" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if gw.lastRequest().Mode != gateway.ModeAudio || tc.calls != 1 {
		t.Fatalf("expected audio mode and one transcode, got %s / %d", gw.lastRequest().Mode, tc.calls)
	}
	if tagged.Title != "song" || tagged.Artist != "Someone" {
		t.Fatalf("unexpected tags %+v", tagged)
	}

	var sawConverting bool
	n.mu.Lock()
	for _, s := range n.snaps {
		if s.Status == StatusProcessing && s.Message == "Converting to MP3..." {
			sawConverting = true
		}
	}
	n.mu.Unlock()
	if !sawConverting {
		t.Fatal("expected a converting event")
	}
}

func TestMp3FormatIDTriggersTranscode(t *testing.T) {
	gw := &scriptedGateway{name: "song.m4a", write: true}
	tc := &fakeTranscoder{}
	m, _ := newTestManager(t, gw, tc)
	m.Submit(Request{URL: "u", FormatID: "MP3-128", Type: "video"})
	m.Wait()
	if tc.calls != 1 || gw.lastRequest().Mode != gateway.ModeVideo {
		t.Fatalf("expected a transcode in video mode, calls=%d mode=%s", tc.calls, gw.lastRequest().Mode)
	}
}

func TestTranscodeFailureKeepsOriginal(t *testing.T) {
	gw := &scriptedGateway{name: "song.m4a", write: true}
	m, _ := newTestManager(t, gw, &fakeTranscoder{err: errors.New("exit status 1")})
	id := m.Submit(Request{URL: "u", FormatID: "140", Type: "audio"})
	m.Wait()

	snap := m.Status(id)
	if snap.Status != StatusError || snap.Message != "MP3 conversion failed: exit status 1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if _, err := os.Stat(filepath.Join(m.OutputDir(), "song.m4a")); err != nil {
		t.Fatalf("original should be kept: %v", err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	gw := &scriptedGateway{name: "clip.mp4", write: true}
	m, _ := newTestManager(t, gw, &fakeTranscoder{})
	id := m.Submit(Request{URL: "u", FormatID: "22"})
	m.Wait()

	if err := os.Remove(filepath.Join(m.OutputDir(), "clip.mp4")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Open(id); !errors.Is(err, ErrFileMissing) {
		t.Fatalf("expected ErrFileMissing, got %v", err)
	}
	if _, _, err := m.Open("unknown"); !errors.Is(err, ErrFileNotAvailable) {
		t.Fatalf("expected ErrFileNotAvailable, got %v", err)
	}
}

func TestCleanupRemovesJobsOlderThanTTL(t *testing.T) {
	m, _ := newTestManager(t, &scriptedGateway{name: "a.mp4", write: true}, &fakeTranscoder{})
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	m.now = func() time.Time { return clock }

	old := m.Submit(Request{URL: "u", FormatID: "22"})
	clock = base.Add(30 * time.Minute)
	fresh := m.Submit(Request{URL: "u", FormatID: "22"})
	m.Wait()

	clock = base.Add(time.Hour)
	if n := m.Cleanup(); n != 0 {
		t.Fatalf("a job exactly one hour old must be kept, removed %d", n)
	}

	clock = base.Add(time.Hour + time.Second)
	if n := m.Cleanup(); n != 1 {
		t.Fatalf("expected 1 removal, got %d", n)
	}
	if m.Status(old).Status != StatusUnknown {
		t.Fatal("expected old job to be gone")
	}
	if m.Status(fresh).Status != StatusCompleted {
		t.Fatal("expected fresh job to remain")
	}
	if n := m.Cleanup(); n != 0 {
		t.Fatalf("second cleanup removed %d", n)
	}
}

func TestExpiredJobStaysUntilCleanup(t *testing.T) {
	m, _ := newTestManager(t, &scriptedGateway{name: "a.mp4", write: true}, &fakeTranscoder{})
	base := time.Now()
	var mu sync.Mutex
	clock := base
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	id := m.Submit(Request{URL: "u", FormatID: "22"})
	m.Wait()
	mu.Lock()
	clock = base.Add(2 * time.Hour)
	mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	if got := m.Status(id).Status; got != StatusCompleted {
		t.Fatalf("expired job must stay until Cleanup is called, got %q", got)
	}
	if len(m.List()) != 1 {
		t.Fatal("expected the expired job to still be listed")
	}
	if n := m.Cleanup(); n != 1 {
		t.Fatalf("expected Cleanup to remove the expired job, removed %d", n)
	}
	if m.Status(id).Status != StatusUnknown {
		t.Fatal("expected job gone after Cleanup")
	}
}

func TestCleanupEvictsRunningJobs(t *testing.T) {
	gw := &scriptedGateway{name: "a.mp4", write: true, release: make(chan struct{})}
	m, _ := newTestManager(t, gw, &fakeTranscoder{})
	base := time.Now()
	clock := base
	m.now = func() time.Time { return clock }

	id := m.Submit(Request{URL: "u", FormatID: "22"})
	clock = base.Add(2 * time.Hour)
	if n := m.Cleanup(); n != 1 {
		t.Fatalf("expected running job to be evicted, got %d", n)
	}
	close(gw.release)
	m.Wait()
	if m.Status(id).Status != StatusUnknown {
		t.Fatal("late updates must not resurrect an evicted job")
	}
}

func TestListAndActive(t *testing.T) {
	gw := &scriptedGateway{name: "a.mp4", write: true, release: make(chan struct{})}
	m, _ := newTestManager(t, gw, &fakeTranscoder{})
	m.Submit(Request{URL: "u1", FormatID: "22"})
	m.Submit(Request{URL: "u2", FormatID: "22"})
	if m.Active() != 2 || len(m.List()) != 2 {
		t.Fatalf("expected 2 active jobs, got %d", m.Active())
	}
	close(gw.release)
	m.Wait()
	if m.Active() != 0 {
		t.Fatalf("expected no active jobs, got %d", m.Active())
	}
}

func TestConcurrentSubmitAndPoll(t *testing.T) {
	gw := &scriptedGateway{
		name:  "a.mp4",
		write: true,
		events: []gateway.Progress{
			{Status: gateway.StatusDownloading, Downloaded: 1, Total: 4},
			{Status: gateway.StatusDownloading, Downloaded: 2, Total: 4},
			{Status: gateway.StatusFinished, Total: 4},
		},
	}
	m, _ := newTestManager(t, gw, &fakeTranscoder{})

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids []string
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 25; k++ {
				id := m.Submit(Request{URL: "u", FormatID: "22"})
				m.Status(id)
				mu.Lock()
				ids = append(ids, id)
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 100; k++ {
				m.List()
				m.Active()
				m.Cleanup()
			}
		}()
	}
	wg.Wait()
	m.Wait()

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate job id %s", id)
		}
		seen[id] = true
		if s := m.Status(id).Status; s != StatusCompleted {
			t.Fatalf("job %s ended as %s", id, s)
		}
	}
}
