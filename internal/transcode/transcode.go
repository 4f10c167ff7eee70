// Package transcode converts finished downloads to MP3 with ffmpeg and
// writes ID3 tags into the result.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	id3v2 "github.com/bogem/id3v2/v2"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/zap"
)

// ErrTranscodeFailed wraps every conversion failure.
var ErrTranscodeFailed = errors.New("mp3 conversion failed")

const DefaultBitrate = "192k"

// Transcoder converts audio to MP3.
type Transcoder struct {
	Bitrate string

	logger *zap.Logger
	run    func(input, output, bitrate string) error
}

func New(logger *zap.Logger) *Transcoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transcoder{Bitrate: DefaultBitrate, logger: logger, run: runFFmpeg}
}

func runFFmpeg(input, output, bitrate string) error {
	return ffmpeg.Input(input).
		Output(output, ffmpeg.KwArgs{"vn": "", "acodec": "libmp3lame", "b:a": bitrate}).
		OverWriteOutput().
		Silent(true).
		Run()
}

// Transcode writes <stem>.mp3 next to input and removes input once the
// MP3 exists. An .mp3 input is returned unchanged. On failure the original
// path is returned along with an error wrapping ErrTranscodeFailed.
func (t *Transcoder) Transcode(ctx context.Context, input string) (string, error) {
	if strings.EqualFold(filepath.Ext(input), ".mp3") {
		return input, nil
	}
	if err := ctx.Err(); err != nil {
		return input, fmt.Errorf("%w: %w", ErrTranscodeFailed, err)
	}

	output := strings.TrimSuffix(input, filepath.Ext(input)) + ".mp3"
	bitrate := t.Bitrate
	if bitrate == "" {
		bitrate = DefaultBitrate
	}
	t.logger.Info("converting to mp3",
		zap.String("input", filepath.Base(input)),
		zap.String("bitrate", bitrate),
	)
	if err := t.run(input, output, bitrate); err != nil {
		return input, fmt.Errorf("%w: %w", ErrTranscodeFailed, err)
	}
	if _, err := os.Stat(output); err != nil {
		return input, fmt.Errorf("%w: output missing: %w", ErrTranscodeFailed, err)
	}
	if err := os.Remove(input); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.logger.Warn("could not remove source after conversion", zap.String("path", input), zap.Error(err))
	}
	return output, nil
}

// Tags are the ID3 fields written after conversion.
type Tags struct {
	Title  string
	Artist string
}

// EmbedTags writes title and artist frames into an MP3 file.
// Non-MP3 paths are left untouched.
func EmbedTags(path string, tags Tags) error {
	if !strings.EqualFold(filepath.Ext(path), ".mp3") {
		return nil
	}
	if tags.Title == "" && tags.Artist == "" {
		return nil
	}
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("opening id3 tag: %w", err)
	}
	defer tag.Close()

	if tags.Title != "" {
		tag.SetTitle(tags.Title)
	}
	if tags.Artist != "" {
		tag.SetArtist(tags.Artist)
	}
	if err := tag.Save(); err != nil {
		return fmt.Errorf("saving id3 tag: %w", err)
	}
	return nil
}
