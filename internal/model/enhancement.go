package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidToken is returned for completion tokens that are empty, too long
// or contain characters that are unsafe in a file name or URL path.
var ErrInvalidToken = errors.New("invalid completion token")

// MaxTokenLength bounds the size of an accepted completion token.
const MaxTokenLength = 128

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// CompletionToken is the opaque name the enhancement service mints for an
// uploaded file. It is the only key joining the upload and download stages.
type CompletionToken string

// ParseToken validates raw as a completion token.
//
// Tokens arrive from the network and end up as URL path segments and file
// names, so anything beyond letters, digits, '_', '-' and '.' is rejected.
func ParseToken(raw string) (CompletionToken, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	if len(raw) > MaxTokenLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidToken, MaxTokenLength)
	}
	if !tokenPattern.MatchString(raw) || strings.Contains(raw, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidToken, raw)
	}
	return CompletionToken(raw), nil
}

func (t CompletionToken) String() string {
	return string(t)
}

// FileName returns the result file name for the token, e.g. "abc123.wav".
func (t CompletionToken) FileName(ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return string(t)
	}
	return string(t) + "." + ext
}

// EnhancementRequest holds the processing parameters sent with every upload.
//
// One request is shared read-only by all items of a pipeline instance.
//
// Example:
//
//	req := DefaultEnhancementRequest("WAV")
//	// req.LoudnessTargetLevel = -14, req.LoudnessPeakLimit = -1
//	// req.EnhancementLevel = 1.0,   req.Extension() = "wav"
type EnhancementRequest struct {
	// LoudnessTargetLevel is the integrated loudness target in dB.
	LoudnessTargetLevel int `toml:"loudness_target_level"`

	// LoudnessPeakLimit is the true-peak ceiling in dB.
	LoudnessPeakLimit int `toml:"loudness_peak_limit"`

	// EnhancementLevel is the enhancement strength between 0 and 1.
	EnhancementLevel float64 `toml:"enhancement_level"`

	// TranscodeKind is the output format requested from the service,
	// e.g. "WAV" or "MP3".
	TranscodeKind string `toml:"transcode_kind"`
}

// DefaultEnhancementRequest returns the service defaults for the given
// output format.
func DefaultEnhancementRequest(transcodeKind string) EnhancementRequest {
	return EnhancementRequest{
		LoudnessTargetLevel: -14,
		LoudnessPeakLimit:   -1,
		EnhancementLevel:    1.0,
		TranscodeKind:       transcodeKind,
	}
}

// Validate checks the request before it is shared with the workers.
func (r EnhancementRequest) Validate() error {
	if strings.TrimSpace(r.TranscodeKind) == "" {
		return errors.New("enhancement request: transcode_kind is required")
	}
	if r.EnhancementLevel < 0 || r.EnhancementLevel > 1 {
		return fmt.Errorf("enhancement request: enhancement_level %v outside [0, 1]", r.EnhancementLevel)
	}
	if r.LoudnessPeakLimit > 0 {
		return fmt.Errorf("enhancement request: loudness_peak_limit %d must not be positive", r.LoudnessPeakLimit)
	}
	return nil
}

// Extension returns the file extension matching TranscodeKind.
func (r EnhancementRequest) Extension() string {
	return strings.ToLower(strings.TrimSpace(r.TranscodeKind))
}

// FormField is a single multipart form value.
type FormField struct {
	Name  string
	Value string
}

// Fields returns the request as multipart form fields, in wire order.
func (r EnhancementRequest) Fields() []FormField {
	return []FormField{
		{Name: "loudness_target_level", Value: strconv.Itoa(r.LoudnessTargetLevel)},
		{Name: "loudness_peak_limit", Value: strconv.Itoa(r.LoudnessPeakLimit)},
		{Name: "enhancement_level", Value: strconv.FormatFloat(r.EnhancementLevel, 'f', -1, 64)},
		{Name: "transcode_kind", Value: r.TranscodeKind},
	}
}
