// Package gateway wraps the media extraction backends: metadata probing and
// downloading a chosen format to disk while reporting progress.
package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/lvcoi/ytdl-web/internal/catalog"
)

var (
	ErrMetadataUnavailable = errors.New("metadata unavailable")
	ErrVideoNotFound       = errors.New("video not found")
	ErrVideoPrivate        = errors.New("video is private")
	ErrGeoRestricted       = errors.New("video not available in this region")
	ErrAgeRestricted       = errors.New("video is age restricted")
	ErrTimeout             = errors.New("extractor timed out")
	ErrBinaryNotFound      = errors.New("extractor binary not found")
	ErrFormatNotFound      = errors.New("requested format not available")
)

// Mode selects how a download is materialized.
type Mode string

const (
	ModeVideo Mode = "video"
	ModeAudio Mode = "audio"
)

// Progress statuses reported by Materialize.
const (
	StatusDownloading = "downloading"
	StatusFinished    = "finished"
)

// ProbeResult is the normalized metadata of a single media item.
type ProbeResult struct {
	Title      string                     `json:"title"`
	Thumbnail  string                     `json:"thumbnail"`
	Duration   int                        `json:"duration"`
	Uploader   string                     `json:"uploader"`
	WebpageURL string                     `json:"webpage_url"`
	Formats    []catalog.FormatDescriptor `json:"formats"`
}

// Progress is one raw transfer event. Zero numeric fields mean unknown.
type Progress struct {
	Status     string
	Downloaded int64
	Total      int64
	Speed      float64 // bytes per second
	ETA        int     // seconds
	Filename   string
}

// MaterializeRequest describes a download.
type MaterializeRequest struct {
	URL       string
	FormatID  string
	Mode      Mode
	OutputDir string
}

// Gateway is implemented by every extraction backend.
type Gateway interface {
	Probe(ctx context.Context, url string) (*ProbeResult, error)
	// Materialize downloads the requested format into OutputDir and returns
	// the final file path. onProgress is called in emission order from the
	// calling goroutine or a single reader goroutine, never concurrently.
	Materialize(ctx context.Context, req MaterializeRequest, onProgress func(Progress)) (string, error)
}

const (
	defaultTitle    = "Unknown Title"
	defaultUploader = "Unknown Uploader"
)

// normalize applies the defaults every backend shares.
func normalize(res *ProbeResult, url string) *ProbeResult {
	res.Title = catalog.SanitizeTitle(res.Title)
	if res.Title == "" {
		res.Title = defaultTitle
	}
	if strings.TrimSpace(res.Uploader) == "" {
		res.Uploader = defaultUploader
	}
	if res.WebpageURL == "" {
		res.WebpageURL = url
	}
	return res
}

// IsCombinedFormat reports whether id requests a video stream merged with
// an audio stream, e.g. "137+bestaudio".
func IsCombinedFormat(id string) bool {
	return strings.Contains(id, "+")
}
