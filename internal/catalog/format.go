package catalog

import (
	"fmt"
	"regexp"
	"strings"
)

const maxTitleLength = 100

var invalidTitleChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// FormatFilesize renders a byte count with binary units and one decimal,
// e.g. "1.5 MB". Zero or negative sizes are "Unknown".
func FormatFilesize(size int64) string {
	if size <= 0 {
		return unknownSize
	}
	value := float64(size)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if value < 1024 {
			return fmt.Sprintf("%.1f %s", value, unit)
		}
		value /= 1024
	}
	return fmt.Sprintf("%.1f TB", value)
}

// FormatDuration renders seconds as MM:SS, or HH:MM:SS for an hour or more.
func FormatDuration(seconds int) string {
	if seconds <= 0 {
		return "Unknown"
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60
	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, secs)
	}
	return fmt.Sprintf("%02d:%02d", minutes, secs)
}

// SanitizeTitle strips characters that are invalid in file names and caps the length.
func SanitizeTitle(title string) string {
	clean := invalidTitleChars.ReplaceAllString(title, "")
	if len(clean) > maxTitleLength {
		clean = truncateRunes(clean, maxTitleLength)
	}
	return strings.TrimSpace(clean)
}

// truncateRunes cuts s to at most max bytes without splitting a UTF-8 sequence.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
