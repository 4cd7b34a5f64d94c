package tts

import (
	"fmt"
	"strconv"
)

// Supported audio container formats.
const (
	FormatMP3  = "mp3"
	FormatOpus = "opus"
	FormatOGG  = "ogg"
	FormatWAV  = "wav"
)

// Formats lists every supported audio format.
var Formats = []string{FormatMP3, FormatOpus, FormatOGG, FormatWAV}

// ValidFormat reports whether f is a recognised audio format.
func ValidFormat(f string) bool {
	switch f {
	case FormatMP3, FormatOpus, FormatOGG, FormatWAV:
		return true
	}
	return false
}

// MediaType returns the HTTP content type for an audio format. Unknown
// formats fall back to audio/mpeg.
func MediaType(format string) string {
	switch format {
	case FormatOpus, FormatOGG:
		return "audio/ogg"
	case FormatWAV:
		return "audio/wav"
	default:
		return "audio/mpeg"
	}
}

// StatusError is a provider error that carries the upstream HTTP status code.
// The fallback layer uses the code to decide between falling back to the next
// provider and surfacing the error to the client.
type StatusError struct {
	// Code is the upstream HTTP status code (e.g. 429, 500).
	Code int

	// Message is the upstream error description.
	Message string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Message == "" {
		return "tts: upstream status " + strconv.Itoa(e.Code)
	}
	return fmt.Sprintf("tts: upstream status %d: %s", e.Code, e.Message)
}
