// Package catalog turns raw extractor format records into the ranked, deduplicated
// list of download options presented to users.
package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// Entry types.
const (
	TypeVideo      = "video"
	TypeAudio      = "audio"
	TypeVideoAudio = "video+audio"
	TypeUnknown    = "unknown"
)

const (
	// DefaultStoryboardPrefix marks storyboard/thumbnail tracks in yt-dlp and YouTube format ids.
	DefaultStoryboardPrefix = "sb"

	notAvailable   = "N/A"
	unknownSize    = "Unknown"
	minAudioKbps   = 50
	minCombinedRes = 720
	maxCombined    = 3
	combinedBoost  = 1000
	combinedSuffix = "+bestaudio"
)

var qualityLadder = map[string]int{
	"144P":  144,
	"240P":  240,
	"360P":  360,
	"480P":  480,
	"720P":  720,
	"1080P": 1080,
	"1440P": 1440,
	"2160P": 2160,
	"4320P": 4320,
	"BEST":  10000,
	"N/A":   0,
}

// FormatDescriptor is a raw format record as reported by a gateway.
// Zero numeric fields mean the value was not reported.
type FormatDescriptor struct {
	ID           string
	Ext          string
	Note         string
	Filesize     int64
	HasAudio     bool
	HasVideo     bool
	Height       int
	AudioBitrate float64
}

// Entry is one selectable download option.
type Entry struct {
	FormatID   string `json:"format_id"`
	Ext        string `json:"ext"`
	Resolution string `json:"resolution"`
	Filesize   string `json:"filesize"`
	Type       string `json:"type"`
	Quality    int    `json:"quality"`
}

// VideoCapable reports whether the entry carries a video stream.
func (e Entry) VideoCapable() bool {
	return strings.Contains(e.Type, TypeVideo)
}

// IsCombined reports whether the entry was synthesized from a video-only format.
func (e Entry) IsCombined() bool {
	return strings.HasSuffix(e.FormatID, combinedSuffix)
}

// BestAudio is the sentinel that lets the extractor pick the best audio stream.
// It ranks below every real entry.
var BestAudio = Entry{
	FormatID:   "bestaudio/best",
	Ext:        "mp3",
	Resolution: "MP3 (Best Quality)",
	Filesize:   unknownSize,
	Type:       TypeAudio,
	Quality:    1,
}

// BestVideo is the sentinel that lets the extractor pick the best muxed stream.
var BestVideo = Entry{
	FormatID:   "best",
	Ext:        "mp4",
	Resolution: "BEST (Auto Select)",
	Filesize:   unknownSize,
	Type:       TypeVideoAudio,
	Quality:    10000,
}

// Reconciler builds catalogs. The zero value uses DefaultStoryboardPrefix.
type Reconciler struct {
	StoryboardPrefix string
}

// Reconcile builds a catalog with the default Reconciler.
func Reconcile(raw []FormatDescriptor) []Entry {
	return Reconciler{}.Reconcile(raw)
}

// Reconcile maps, filters, augments, deduplicates and sorts raw formats.
// The result is deterministic for a given input order and always contains
// the BestAudio and BestVideo sentinels.
func (r Reconciler) Reconcile(raw []FormatDescriptor) []Entry {
	prefix := r.StoryboardPrefix
	if prefix == "" {
		prefix = DefaultStoryboardPrefix
	}

	entries := make([]Entry, 0, len(raw)+maxCombined+2)
	for _, d := range raw {
		if strings.HasPrefix(d.ID, prefix) {
			continue
		}
		if !keep(d) {
			continue
		}
		entries = append(entries, entryFor(d))
	}

	entries = append(entries, combined(entries)...)
	entries = append(entries, BestAudio, BestVideo)
	return sortEntries(dedupe(entries))
}

func entryFor(d FormatDescriptor) Entry {
	label := resolutionLabel(d)
	ext := d.Ext
	if ext == "" {
		ext = "mp4"
	}
	return Entry{
		FormatID:   d.ID,
		Ext:        ext,
		Resolution: label,
		Filesize:   FormatFilesize(d.Filesize),
		Type:       classify(d.HasVideo, d.HasAudio),
		Quality:    qualityFor(label, d.Height),
	}
}

func keep(d FormatDescriptor) bool {
	if !d.HasAudio && !d.HasVideo {
		return false
	}
	if d.HasAudio && !d.HasVideo && d.AudioBitrate > 0 && d.AudioBitrate < minAudioKbps {
		return false
	}
	return true
}

func resolutionLabel(d FormatDescriptor) string {
	note := strings.TrimSpace(d.Note)
	if strings.EqualFold(note, "unknown") {
		note = ""
	}
	if note == "" && d.Height > 0 {
		note = fmt.Sprintf("%dp", d.Height)
	}
	if note == "" || note == notAvailable {
		return notAvailable
	}
	return strings.ToUpper(note)
}

func classify(hasVideo, hasAudio bool) string {
	switch {
	case hasVideo && hasAudio:
		return TypeVideoAudio
	case hasVideo:
		return TypeVideo
	case hasAudio:
		return TypeAudio
	default:
		return TypeUnknown
	}
}

func qualityFor(label string, height int) int {
	if q, ok := qualityLadder[strings.ToUpper(label)]; ok && q != 0 {
		return q
	}
	if height > 0 {
		return height
	}
	return 0
}

// combined synthesizes video+bestaudio entries for the highest HD video-only formats.
func combined(entries []Entry) []Entry {
	candidates := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Type == TypeVideo && e.Quality >= minCombinedRes {
			candidates = append(candidates, e)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Quality > candidates[j].Quality
	})
	if len(candidates) > maxCombined {
		candidates = candidates[:maxCombined]
	}

	out := make([]Entry, 0, len(candidates))
	for _, v := range candidates {
		out = append(out, Entry{
			FormatID:   v.FormatID + combinedSuffix,
			Ext:        "mp4",
			Resolution: v.Resolution + " (+AUDIO)",
			Filesize:   unknownSize,
			Type:       TypeVideoAudio,
			Quality:    v.Quality + combinedBoost,
		})
	}
	return out
}

type dedupeKey struct {
	resolution string
	kind       string
	quality    int
}

func dedupe(entries []Entry) []Entry {
	seen := make(map[dedupeKey]struct{}, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		k := dedupeKey{e.Resolution, e.Type, e.Quality}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	return out
}

// sortEntries orders video-capable entries first, then by quality, highest first.
func sortEntries(entries []Entry) []Entry {
	sort.SliceStable(entries, func(i, j int) bool {
		vi, vj := entries[i].VideoCapable(), entries[j].VideoCapable()
		if vi != vj {
			return vi
		}
		return entries[i].Quality > entries[j].Quality
	})
	return entries
}
