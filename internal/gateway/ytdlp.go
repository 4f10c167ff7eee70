package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvcoi/ytdl-web/internal/catalog"
)

const (
	DefaultBinary       = "yt-dlp"
	DefaultProbeTimeout = 60 * time.Second

	progressPrefix = "[ytdl-progress] "
	filepathPrefix = "[ytdl-filepath] "
	maxStderrKeep  = 8192
)

// YTDLP drives an installed yt-dlp binary.
type YTDLP struct {
	Binary       string
	ProbeTimeout time.Duration
	logger       *zap.Logger
}

// NewYTDLP returns a backend using binary (DefaultBinary when empty).
func NewYTDLP(binary string, probeTimeout time.Duration, logger *zap.Logger) *YTDLP {
	if binary == "" {
		binary = DefaultBinary
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &YTDLP{Binary: binary, ProbeTimeout: probeTimeout, logger: logger}
}

type ytdlpInfo struct {
	Title      string        `json:"title"`
	Thumbnail  string        `json:"thumbnail"`
	Duration   float64       `json:"duration"`
	Uploader   string        `json:"uploader"`
	WebpageURL string        `json:"webpage_url"`
	Formats    []ytdlpFormat `json:"formats"`
}

type ytdlpFormat struct {
	FormatID       string  `json:"format_id"`
	Ext            string  `json:"ext"`
	FormatNote     string  `json:"format_note"`
	Filesize       float64 `json:"filesize"`
	FilesizeApprox float64 `json:"filesize_approx"`
	Height         float64 `json:"height"`
	ABR            float64 `json:"abr"`
	VCodec         string  `json:"vcodec"`
	ACodec         string  `json:"acodec"`
}

type ytdlpProgress struct {
	Status             string  `json:"status"`
	DownloadedBytes    float64 `json:"downloaded_bytes"`
	TotalBytes         float64 `json:"total_bytes"`
	TotalBytesEstimate float64 `json:"total_bytes_estimate"`
	Speed              float64 `json:"speed"`
	ETA                float64 `json:"eta"`
	Filename           string  `json:"filename"`
}

// Probe runs `yt-dlp -J` and maps the single-video JSON.
func (y *YTDLP) Probe(ctx context.Context, url string) (*ProbeResult, error) {
	if y.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, y.ProbeTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, y.Binary, "-J", "--no-playlist", "--no-warnings", url)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	y.logger.Debug("yt-dlp probe finished",
		zap.String("url", url),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMetadataUnavailable, y.runError(ctx, err, stderr.String()))
	}
	res, err := parseProbe(stdout.Bytes(), url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMetadataUnavailable, err)
	}
	return res, nil
}

func parseProbe(data []byte, url string) (*ProbeResult, error) {
	var info ytdlpInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decoding yt-dlp output: %w", err)
	}
	res := &ProbeResult{
		Title:      info.Title,
		Thumbnail:  info.Thumbnail,
		Duration:   int(info.Duration),
		Uploader:   info.Uploader,
		WebpageURL: info.WebpageURL,
		Formats:    make([]catalog.FormatDescriptor, 0, len(info.Formats)),
	}
	for _, f := range info.Formats {
		size := f.Filesize
		if size <= 0 {
			size = f.FilesizeApprox
		}
		res.Formats = append(res.Formats, catalog.FormatDescriptor{
			ID:           f.FormatID,
			Ext:          f.Ext,
			Note:         f.FormatNote,
			Filesize:     int64(size),
			HasAudio:     f.ACodec != "none",
			HasVideo:     f.VCodec != "none",
			Height:       int(f.Height),
			AudioBitrate: f.ABR,
		})
	}
	return normalize(res, url), nil
}

func downloadArgs(req MaterializeRequest) []string {
	args := []string{
		"--no-playlist",
		"--newline",
		"--progress",
		"--no-warnings",
		"--progress-template", "download:" + progressPrefix + "%(progress)j",
		"--print", "after_move:" + filepathPrefix + "%(filepath)s",
		"-o", filepath.Join(req.OutputDir, "%(title)s.%(ext)s"),
	}
	switch {
	case req.Mode == ModeAudio:
		args = append(args, "-f", "bestaudio/best")
	case IsCombinedFormat(req.FormatID):
		args = append(args, "-f", req.FormatID, "--merge-output-format", "mp4")
	default:
		args = append(args, "-f", req.FormatID)
	}
	return append(args, req.URL)
}

// Materialize runs the download and streams progress lines back to onProgress.
func (y *YTDLP) Materialize(ctx context.Context, req MaterializeRequest, onProgress func(Progress)) (string, error) {
	if onProgress == nil {
		onProgress = func(Progress) {}
	}
	args := downloadArgs(req)
	cmd := exec.CommandContext(ctx, y.Binary, args...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("setup stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("setup stderr pipe: %w", err)
	}
	y.logger.Debug("starting yt-dlp", zap.Strings("args", args))
	if err := cmd.Start(); err != nil {
		return "", y.runError(ctx, err, "")
	}

	var (
		mu          sync.Mutex
		wg          sync.WaitGroup
		stderrTail  tailBuffer
		finalPath   string
		lastFile    string
		sawFinished bool
	)
	handle := func(line string) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case strings.HasPrefix(line, progressPrefix):
			p, ok := parseProgressLine(strings.TrimPrefix(line, progressPrefix))
			if !ok {
				return
			}
			if p.Filename != "" {
				lastFile = p.Filename
			}
			if p.Status == StatusFinished {
				sawFinished = true
			}
			onProgress(p)
		case strings.HasPrefix(line, filepathPrefix):
			finalPath = strings.TrimSpace(strings.TrimPrefix(line, filepathPrefix))
		}
	}
	read := func(r io.Reader, keep bool) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if keep && !strings.HasPrefix(line, progressPrefix) && !strings.HasPrefix(line, filepathPrefix) {
				mu.Lock()
				stderrTail.add(line)
				mu.Unlock()
			}
			handle(line)
		}
	}

	wg.Add(2)
	go read(stdoutPipe, false)
	go read(stderrPipe, true)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return "", y.runError(ctx, err, stderrTail.String())
	}

	if finalPath == "" {
		finalPath = lastFile
	}
	if finalPath == "" {
		return "", errors.New("yt-dlp did not report an output file")
	}
	if !sawFinished {
		onProgress(Progress{Status: StatusFinished, Filename: finalPath})
	}
	return finalPath, nil
}

// tailBuffer keeps the most recent lines up to maxStderrKeep bytes.
type tailBuffer struct {
	lines []string
	size  int
}

func (b *tailBuffer) add(line string) {
	if len(line) > maxStderrKeep {
		line = line[len(line)-maxStderrKeep:]
	}
	b.lines = append(b.lines, line)
	b.size += len(line) + 1
	for b.size > maxStderrKeep && len(b.lines) > 1 {
		b.size -= len(b.lines[0]) + 1
		b.lines = b.lines[1:]
	}
}

func (b *tailBuffer) String() string {
	return strings.Join(b.lines, "\n")
}

func parseProgressLine(raw string) (Progress, bool) {
	var p ytdlpProgress
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Progress{}, false
	}
	total := p.TotalBytes
	if total <= 0 {
		total = p.TotalBytesEstimate
	}
	status := p.Status
	if status != StatusFinished {
		status = StatusDownloading
	}
	return Progress{
		Status:     status,
		Downloaded: int64(p.DownloadedBytes),
		Total:      int64(total),
		Speed:      p.Speed,
		ETA:        int(p.ETA),
		Filename:   p.Filename,
	}, true
}

// runError classifies a failed yt-dlp invocation.
func (y *YTDLP) runError(ctx context.Context, err error, stderr string) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrBinaryNotFound, y.Binary)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if classified := classifyStderr(stderr); classified != nil {
		return classified
	}
	return fmt.Errorf("yt-dlp failed: %w", err)
}

var errorPatterns = []struct {
	needle string
	err    error
}{
	{"private video", ErrVideoPrivate},
	{"user restricted access", ErrVideoPrivate},
	{"sign in to confirm your age", ErrAgeRestricted},
	{"login required to confirm your age", ErrAgeRestricted},
	{"age-restricted", ErrAgeRestricted},
	{"not available in your country", ErrGeoRestricted},
	{"geo restrict", ErrGeoRestricted},
	{"requested format is not available", ErrFormatNotFound},
	{"video unavailable", ErrVideoNotFound},
	{"does not exist", ErrVideoNotFound},
	{"http error 404", ErrVideoNotFound},
	{"unsupported url", ErrVideoNotFound},
}

// classifyMessage maps an extractor error message to a sentinel, or nil.
func classifyMessage(msg string) error {
	lower := strings.ToLower(msg)
	for _, p := range errorPatterns {
		if strings.Contains(lower, p.needle) {
			return p.err
		}
	}
	return nil
}

// classifyStderr maps the first ERROR line of yt-dlp output to a sentinel.
// It returns nil when stderr holds no error line.
func classifyStderr(stderr string) error {
	var line string
	for _, l := range strings.Split(stderr, "\n") {
		l = strings.TrimSpace(l)
		if strings.HasPrefix(l, "ERROR:") {
			line = strings.TrimSpace(strings.TrimPrefix(l, "ERROR:"))
			break
		}
	}
	if line == "" {
		return nil
	}
	if sentinel := classifyMessage(line); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, line)
	}
	return errors.New(line)
}
