package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kkdai/youtube/v2"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvcoi/ytdl-web/internal/catalog"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

var sharedTransport = &http.Transport{
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 15 * time.Second,
	IdleConnTimeout:       90 * time.Second,
}

// headerTransport fills browser-like headers the YouTube endpoints expect.
type headerTransport struct {
	next http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}
	if req.Header.Get("Accept-Language") == "" {
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	}
	return t.next.RoundTrip(req)
}

// videoClient is the subset of *youtube.Client the backend uses.
type videoClient interface {
	GetVideoContext(ctx context.Context, url string) (*youtube.Video, error)
	GetStreamContext(ctx context.Context, video *youtube.Video, format *youtube.Format) (io.ReadCloser, int64, error)
}

// YouTube extracts directly through the YouTube player API without an
// external binary. Merged video+audio downloads need ffmpeg on PATH.
type YouTube struct {
	ProbeTimeout time.Duration

	client videoClient
	mux    func(videoPath, audioPath, outPath string) error
	logger *zap.Logger
}

// NewYouTube builds a backend whose HTTP client retries transient failures.
func NewYouTube(probeTimeout time.Duration, logger *zap.Logger) *YouTube {
	if logger == nil {
		logger = zap.NewNop()
	}
	jar, _ := cookiejar.New(nil)
	httpClient := &http.Client{
		Jar:       jar,
		Transport: newRetrier(&headerTransport{next: sharedTransport}, defaultBackoff, logger),
	}
	return &YouTube{
		ProbeTimeout: probeTimeout,
		client:       &youtube.Client{HTTPClient: httpClient},
		mux:          muxStreams,
		logger:       logger,
	}
}

// Probe fetches the player response and maps every itag to a descriptor.
func (g *YouTube) Probe(ctx context.Context, url string) (*ProbeResult, error) {
	if g.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.ProbeTimeout)
		defer cancel()
	}
	video, err := g.client.GetVideoContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMetadataUnavailable, videoError(ctx, err))
	}

	res := &ProbeResult{
		Title:      video.Title,
		Thumbnail:  bestThumbnail(video.Thumbnails),
		Duration:   int(video.Duration.Seconds()),
		Uploader:   video.Author,
		WebpageURL: watchURL(video.ID),
		Formats:    make([]catalog.FormatDescriptor, 0, len(video.Formats)),
	}
	for i := range video.Formats {
		res.Formats = append(res.Formats, describe(&video.Formats[i]))
	}
	return normalize(res, url), nil
}

func describe(f *youtube.Format) catalog.FormatDescriptor {
	hasVideo := strings.HasPrefix(f.MimeType, "video/")
	hasAudio := f.AudioChannels > 0 || strings.HasPrefix(f.MimeType, "audio/")
	d := catalog.FormatDescriptor{
		ID:       strconv.Itoa(f.ItagNo),
		Ext:      mimeExt(f.MimeType),
		Filesize: f.ContentLength,
		HasAudio: hasAudio,
		HasVideo: hasVideo,
		Height:   f.Height,
	}
	if hasVideo {
		d.Note = f.QualityLabel
	} else {
		d.Note = strings.ToLower(strings.TrimPrefix(f.AudioQuality, "AUDIO_QUALITY_"))
		if br := audioBitrate(f); br > 0 {
			d.AudioBitrate = float64(br) / 1000
		}
	}
	return d
}

// Materialize resolves FormatID against the itag list and streams it to disk.
// "<itag>+bestaudio" downloads both streams concurrently and muxes them.
func (g *YouTube) Materialize(ctx context.Context, req MaterializeRequest, onProgress func(Progress)) (string, error) {
	video, err := g.client.GetVideoContext(ctx, req.URL)
	if err != nil {
		return "", videoError(ctx, err)
	}
	stem := catalog.SanitizeTitle(video.Title)
	if stem == "" {
		stem = video.ID
	}
	base := filepath.Join(req.OutputDir, stem)

	id := req.FormatID
	switch {
	case req.Mode == ModeAudio || id == catalog.BestAudio.FormatID || id == "bestaudio":
		f := bestAudioFormat(video.Formats)
		if f == nil {
			f = bestMuxedFormat(video.Formats)
		}
		return g.single(ctx, video, f, base, onProgress)
	case IsCombinedFormat(id):
		videoPart, audioPart, _ := strings.Cut(id, "+")
		vf := formatByItag(video.Formats, videoPart)
		af := bestAudioFormat(video.Formats)
		if audioPart != "bestaudio" {
			af = formatByItag(video.Formats, audioPart)
		}
		if vf == nil || af == nil {
			return "", fmt.Errorf("%w: %s", ErrFormatNotFound, id)
		}
		return g.merged(ctx, video, vf, af, base, onProgress)
	case id == "" || id == catalog.BestVideo.FormatID:
		return g.single(ctx, video, bestMuxedFormat(video.Formats), base, onProgress)
	default:
		return g.single(ctx, video, formatByItag(video.Formats, id), base, onProgress)
	}
}

func (g *YouTube) single(ctx context.Context, video *youtube.Video, f *youtube.Format, base string, onProgress func(Progress)) (string, error) {
	if f == nil {
		return "", ErrFormatNotFound
	}
	out := base + "." + mimeExt(f.MimeType)
	tr := newTransfer(f.ContentLength, filepath.Base(out), onProgress)
	if err := g.fetch(ctx, video, f, out, tr); err != nil {
		os.Remove(out)
		return "", err
	}
	tr.finish()
	return out, nil
}

func (g *YouTube) merged(ctx context.Context, video *youtube.Video, vf, af *youtube.Format, base string, onProgress func(Progress)) (string, error) {
	out := base + ".mp4"
	videoTmp := base + ".video." + mimeExt(vf.MimeType)
	audioTmp := base + ".audio." + mimeExt(af.MimeType)
	defer os.Remove(videoTmp)
	defer os.Remove(audioTmp)

	tr := newTransfer(vf.ContentLength+af.ContentLength, filepath.Base(out), onProgress)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return g.fetch(egCtx, video, vf, videoTmp, tr) })
	eg.Go(func() error { return g.fetch(egCtx, video, af, audioTmp, tr) })
	if err := eg.Wait(); err != nil {
		return "", err
	}
	tr.finish()

	g.logger.Debug("muxing streams",
		zap.Int("video_itag", vf.ItagNo),
		zap.Int("audio_itag", af.ItagNo),
		zap.String("output", out),
	)
	if err := g.mux(videoTmp, audioTmp, out); err != nil {
		return "", fmt.Errorf("muxing streams: %w", err)
	}
	return out, nil
}

func (g *YouTube) fetch(ctx context.Context, video *youtube.Video, f *youtube.Format, path string, tr *transfer) error {
	stream, size, err := g.client.GetStreamContext(ctx, video, f)
	if err != nil {
		return fmt.Errorf("starting stream for itag %d: %w", f.ItagNo, err)
	}
	defer stream.Close()
	if f.ContentLength <= 0 && size > 0 {
		tr.grow(size)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("opening output file: %w", err)
	}
	defer file.Close()

	if _, err := copyWithContext(ctx, io.MultiWriter(file, tr), stream); err != nil {
		return fmt.Errorf("downloading itag %d: %w", f.ItagNo, err)
	}
	return nil
}

func muxStreams(videoPath, audioPath, outPath string) error {
	return ffmpeg.Output(
		[]*ffmpeg.Stream{ffmpeg.Input(videoPath), ffmpeg.Input(audioPath)},
		outPath,
		ffmpeg.KwArgs{"c:v": "copy", "c:a": "aac"},
	).OverWriteOutput().Silent(true).Run()
}

func videoError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	var status youtube.ErrUnexpectedStatusCode
	if errors.As(err, &status) && int(status) == http.StatusNotFound {
		return fmt.Errorf("%w: %v", ErrVideoNotFound, err)
	}
	if sentinel := classifyMessage(err.Error()); sentinel != nil {
		return fmt.Errorf("%w: %v", sentinel, err)
	}
	return err
}

func formatByItag(formats youtube.FormatList, id string) *youtube.Format {
	itag, err := strconv.Atoi(id)
	if err != nil {
		return nil
	}
	for i := range formats {
		if formats[i].ItagNo == itag {
			return &formats[i]
		}
	}
	return nil
}

func bestAudioFormat(formats youtube.FormatList) *youtube.Format {
	var best *youtube.Format
	for i := range formats {
		f := &formats[i]
		if f.AudioChannels == 0 || f.Width != 0 || f.Height != 0 {
			continue
		}
		if best == nil || audioBitrate(f) > audioBitrate(best) {
			best = f
		}
	}
	return best
}

func bestMuxedFormat(formats youtube.FormatList) *youtube.Format {
	var best *youtube.Format
	for i := range formats {
		f := &formats[i]
		if f.AudioChannels == 0 || f.Height == 0 {
			continue
		}
		if best == nil || f.Height > best.Height || (f.Height == best.Height && f.Bitrate > best.Bitrate) {
			best = f
		}
	}
	return best
}

func audioBitrate(f *youtube.Format) int {
	if f.AverageBitrate > 0 {
		return f.AverageBitrate
	}
	return f.Bitrate
}

func bestThumbnail(thumbnails youtube.Thumbnails) string {
	var (
		url  string
		area uint
	)
	for _, t := range thumbnails {
		if a := t.Width * t.Height; a >= area {
			area = a
			url = t.URL
		}
	}
	return url
}

func mimeExt(mime string) string {
	mime, _, _ = strings.Cut(mime, ";")
	_, sub, ok := strings.Cut(mime, "/")
	switch {
	case !ok || sub == "":
		return "bin"
	case sub == "3gpp":
		return "3gp"
	case sub == "mp4" && strings.HasPrefix(mime, "audio/"):
		return "m4a"
	default:
		return sub
	}
}

func watchURL(id string) string {
	if id == "" {
		return ""
	}
	return "https://www.youtube.com/watch?v=" + id
}
