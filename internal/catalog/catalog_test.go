package catalog

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func findEntry(entries []Entry, formatID string) (Entry, bool) {
	for _, e := range entries {
		if e.FormatID == formatID {
			return e, true
		}
	}
	return Entry{}, false
}

func TestReconcileCombinesHDVideoWithBestAudio(t *testing.T) {
	raw := []FormatDescriptor{
		{ID: "137", Ext: "mp4", Height: 1080, HasVideo: true},
		{ID: "140", Ext: "m4a", HasAudio: true, AudioBitrate: 128},
	}
	got := Reconcile(raw)

	combined, ok := findEntry(got, "137+bestaudio")
	if !ok {
		t.Fatalf("expected combined entry, got %+v", got)
	}
	if combined.Quality != 2080 {
		t.Fatalf("combined quality = %d, want 2080", combined.Quality)
	}
	if combined.Resolution != "1080P (+AUDIO)" {
		t.Fatalf("combined resolution = %q", combined.Resolution)
	}
	if combined.Type != TypeVideoAudio || combined.Filesize != "Unknown" || combined.Ext != "mp4" {
		t.Fatalf("unexpected combined entry %+v", combined)
	}

	if e, ok := findEntry(got, "bestaudio/best"); !ok || e.Quality != 1 {
		t.Fatalf("missing best audio sentinel: %+v", got)
	}
	if e, ok := findEntry(got, "best"); !ok || e.Quality != 10000 {
		t.Fatalf("missing best video sentinel: %+v", got)
	}
	if got[0].FormatID != "best" {
		t.Fatalf("expected best sentinel first, got %q", got[0].FormatID)
	}
	if _, ok := findEntry(got, "140"); !ok {
		t.Fatalf("expected 128kbps audio to be kept")
	}
}

func TestReconcileDropsLowBitrateAudio(t *testing.T) {
	got := Reconcile([]FormatDescriptor{
		{ID: "599", Ext: "m4a", HasAudio: true, AudioBitrate: 30},
		{ID: "600", Ext: "webm", HasAudio: true},
	})
	if _, ok := findEntry(got, "599"); ok {
		t.Fatalf("expected 30kbps audio to be dropped")
	}
	if _, ok := findEntry(got, "600"); !ok {
		t.Fatalf("expected audio with unknown bitrate to be kept")
	}
}

func TestReconcileDropsStoryboardsAndStreamlessFormats(t *testing.T) {
	got := Reconcile([]FormatDescriptor{
		{ID: "sb0", Ext: "mhtml", HasVideo: true, Note: "storyboard"},
		{ID: "x1", Ext: "bin"},
	})
	if len(got) != 2 {
		t.Fatalf("expected only sentinels, got %+v", got)
	}
}

func TestReconcileCustomStoryboardPrefix(t *testing.T) {
	got := Reconciler{StoryboardPrefix: "thumb"}.Reconcile([]FormatDescriptor{
		{ID: "thumb-1", HasVideo: true, Height: 90},
		{ID: "sb1", HasVideo: true, Height: 90},
	})
	if _, ok := findEntry(got, "thumb-1"); ok {
		t.Fatalf("expected custom prefix to be dropped")
	}
	if _, ok := findEntry(got, "sb1"); !ok {
		t.Fatalf("expected sb1 to survive with a custom prefix")
	}
}

func TestResolutionLabelAndQuality(t *testing.T) {
	tests := []struct {
		name        string
		desc        FormatDescriptor
		wantLabel   string
		wantQuality int
	}{
		{name: "note wins", desc: FormatDescriptor{Note: "720p", Height: 720}, wantLabel: "720P", wantQuality: 720},
		{name: "height fallback", desc: FormatDescriptor{Height: 1440}, wantLabel: "1440P", wantQuality: 1440},
		{name: "no data", desc: FormatDescriptor{}, wantLabel: "N/A", wantQuality: 0},
		{name: "unladdered note uses height", desc: FormatDescriptor{Note: "1080p60", Height: 1080}, wantLabel: "1080P60", wantQuality: 1080},
		{name: "free text note", desc: FormatDescriptor{Note: "medium"}, wantLabel: "MEDIUM", wantQuality: 0},
		{name: "unknown note", desc: FormatDescriptor{Note: "unknown", Height: 360}, wantLabel: "360P", wantQuality: 360},
		{name: "odd height", desc: FormatDescriptor{Height: 1012}, wantLabel: "1012P", wantQuality: 1012},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			label := resolutionLabel(tc.desc)
			if label != tc.wantLabel {
				t.Fatalf("label = %q, want %q", label, tc.wantLabel)
			}
			if q := qualityFor(label, tc.desc.Height); q != tc.wantQuality {
				t.Fatalf("quality = %d, want %d", q, tc.wantQuality)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	cases := map[[2]bool]string{
		{true, true}:   TypeVideoAudio,
		{true, false}:  TypeVideo,
		{false, true}:  TypeAudio,
		{false, false}: TypeUnknown,
	}
	for in, want := range cases {
		if got := classify(in[0], in[1]); got != want {
			t.Fatalf("classify(%v, %v) = %q, want %q", in[0], in[1], got, want)
		}
	}
}

func TestReconcileCapsCombinedEntries(t *testing.T) {
	heights := []int{720, 1080, 1440, 2160, 4320}
	raw := make([]FormatDescriptor, 0, len(heights))
	for i, h := range heights {
		raw = append(raw, FormatDescriptor{ID: fmt.Sprintf("v%d", i), Ext: "webm", Height: h, HasVideo: true})
	}
	got := Reconcile(raw)

	var combined []Entry
	for _, e := range got {
		if e.IsCombined() {
			combined = append(combined, e)
		}
	}
	if len(combined) != 3 {
		t.Fatalf("expected 3 combined entries, got %d", len(combined))
	}
	want := []int{5320, 3160, 2440}
	for i, e := range combined {
		if e.Quality != want[i] {
			t.Fatalf("combined[%d].Quality = %d, want %d", i, e.Quality, want[i])
		}
	}
}

func TestReconcileSkipsCombinedBelowHD(t *testing.T) {
	got := Reconcile([]FormatDescriptor{
		{ID: "135", Height: 480, HasVideo: true},
		{ID: "18", Height: 360, HasVideo: true, HasAudio: true},
	})
	for _, e := range got {
		if e.IsCombined() {
			t.Fatalf("unexpected combined entry %+v", e)
		}
	}
}

func TestReconcileDeduplicatesFirstWins(t *testing.T) {
	got := Reconcile([]FormatDescriptor{
		{ID: "first", Ext: "mp4", Height: 720, HasVideo: true, HasAudio: true},
		{ID: "second", Ext: "webm", Height: 720, HasVideo: true, HasAudio: true},
	})
	if _, ok := findEntry(got, "first"); !ok {
		t.Fatalf("expected first occurrence to be kept")
	}
	if _, ok := findEntry(got, "second"); ok {
		t.Fatalf("expected duplicate to be dropped")
	}
}

func sampleFormats() []FormatDescriptor {
	return []FormatDescriptor{
		{ID: "sb2", Ext: "mhtml", Note: "storyboard"},
		{ID: "139", Ext: "m4a", Note: "low", HasAudio: true, AudioBitrate: 48},
		{ID: "140", Ext: "m4a", Note: "medium", HasAudio: true, AudioBitrate: 129, Filesize: 3_300_000},
		{ID: "251", Ext: "webm", Note: "medium", HasAudio: true, AudioBitrate: 135},
		{ID: "160", Ext: "mp4", Note: "144p", Height: 144, HasVideo: true, Filesize: 1_000_000},
		{ID: "18", Ext: "mp4", Note: "360p", Height: 360, HasVideo: true, HasAudio: true},
		{ID: "136", Ext: "mp4", Note: "720p", Height: 720, HasVideo: true},
		{ID: "247", Ext: "webm", Note: "720p", Height: 720, HasVideo: true},
		{ID: "137", Ext: "mp4", Note: "1080p", Height: 1080, HasVideo: true},
		{ID: "401", Ext: "mp4", Note: "2160p", Height: 2160, HasVideo: true},
	}
}

func TestReconcileIsDeterministic(t *testing.T) {
	first := Reconcile(sampleFormats())
	for i := 0; i < 20; i++ {
		if next := Reconcile(sampleFormats()); !reflect.DeepEqual(first, next) {
			t.Fatalf("run %d differs:\n%+v\n%+v", i, first, next)
		}
	}
}

func TestReconcileInvariants(t *testing.T) {
	got := Reconcile(sampleFormats())

	seen := map[dedupeKey]bool{}
	for _, e := range got {
		k := dedupeKey{e.Resolution, e.Type, e.Quality}
		if seen[k] {
			t.Fatalf("duplicate key %+v", k)
		}
		seen[k] = true
	}

	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		if !prev.VideoCapable() && cur.VideoCapable() {
			t.Fatalf("audio entry %q sorted before video entry %q", prev.FormatID, cur.FormatID)
		}
		if prev.VideoCapable() == cur.VideoCapable() && prev.Quality < cur.Quality {
			t.Fatalf("entry %q (q=%d) sorted before %q (q=%d)", prev.FormatID, prev.Quality, cur.FormatID, cur.Quality)
		}
	}

	for _, e := range got {
		if !e.IsCombined() {
			continue
		}
		source, ok := findEntry(got, strings.TrimSuffix(e.FormatID, "+bestaudio"))
		if !ok {
			t.Fatalf("combined entry %q has no source", e.FormatID)
		}
		if e.Quality != source.Quality+1000 {
			t.Fatalf("combined %q quality %d, source %d", e.FormatID, e.Quality, source.Quality)
		}
	}

	for _, e := range got {
		if e.VideoCapable() {
			continue
		}
		if e.FormatID != BestAudio.FormatID {
			t.Fatalf("expected best audio sentinel to lead audio entries, got %q", e.FormatID)
		}
		break
	}
	if e, _ := findEntry(got, "160"); e.Filesize != "976.6 KB" {
		t.Fatalf("unexpected filesize label %q", e.Filesize)
	}
}
