package jobs

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/lvcoi/ytdl-web/internal/catalog"
	"github.com/lvcoi/ytdl-web/internal/gateway"
)

// relay returns the progress sink handed to the gateway for job id.
func (m *Manager) relay(id string) func(gateway.Progress) {
	return func(p gateway.Progress) {
		m.merge(id, patchFor(p), (*job).applyTransfer)
	}
}

// patchFor converts a raw transfer event into the fields users see.
func patchFor(p gateway.Progress) Patch {
	if p.Status == gateway.StatusFinished {
		patch := Patch{
			Status:  ptr(StatusProcessing),
			Percent: ptr(100.0),
			Speed:   ptr("0 MB/s"),
			ETA:     ptr("0 seconds"),
			Message: ptr(msgProcessing),
		}
		if p.Total > 0 {
			patch.Filesize = ptr(catalog.FormatFilesize(p.Total))
		}
		if p.Filename != "" {
			patch.Filename = ptr(baseName(p.Filename))
		}
		return patch
	}

	percent := 0.0
	if p.Total > 0 {
		percent = math.Round(float64(p.Downloaded)/float64(p.Total)*1000) / 10
	}
	return Patch{
		Status:   ptr(StatusDownloading),
		Percent:  ptr(percent),
		Speed:    ptr(formatSpeed(p.Speed)),
		ETA:      ptr(formatETA(p.ETA)),
		Filesize: ptr(catalog.FormatFilesize(p.Total)),
		Filename: ptr(baseName(p.Filename)),
		Message:  ptr(msgDownload),
	}
}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "0 MB/s"
	}
	return fmt.Sprintf("%.1f MB/s", bytesPerSec/1024/1024)
}

func formatETA(seconds int) string {
	if seconds <= 0 {
		return "Unknown"
	}
	return fmt.Sprintf("%d seconds", seconds)
}

func baseName(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Base(path)
}
