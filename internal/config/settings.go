package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/handiism/media-enhancer/internal/audio"
	"github.com/handiism/media-enhancer/internal/model"
)

// Completion modes select how the pipeline learns that an upload has been
// processed.
const (
	// CompletionWebhook waits for the service to call the completion listener.
	CompletionWebhook = "webhook"

	// CompletionSync treats the token returned by the upload as complete.
	CompletionSync = "sync"
)

// DefaultAPIURL is the public enhancement API.
const DefaultAPIURL = "https://api.ai-coustics.com/v1"

// Settings holds all configuration options.
type Settings struct {
	// Service settings
	APIURL         string `toml:"api_url"`
	CompletionMode string `toml:"completion_mode"` // webhook, sync
	ListenAddr     string `toml:"listen_addr"`

	// Output settings
	OutputDir       string `toml:"output_dir"`
	ResultExtension string `toml:"result_extension"`

	// Concurrency and timing
	UploadWorkers       int      `toml:"upload_workers"`
	DownloadWorkers     int      `toml:"download_workers"`
	MaxConnections      int      `toml:"max_connections"`
	RequestTimeout      Duration `toml:"request_timeout"`
	ShutdownTimeout     Duration `toml:"shutdown_timeout"`
	ForceWait           Duration `toml:"force_wait"`
	ItemQueueSize       int      `toml:"item_queue_size"`
	CompletionQueueSize int      `toml:"completion_queue_size"`

	// Result post-processing
	TagResults      bool   `toml:"tag_results"`
	ArtworkMaxSize  int    `toml:"artwork_max_size"`
	CreatePlaylist  bool   `toml:"create_playlist"`
	PlaylistFormat  string `toml:"playlist_format"` // m3u, pls, wpl, zpl
	M3UExtended     bool   `toml:"m3u_extended"`
	PlaylistName    string `toml:"playlist_name"`
	LogLevel        string `toml:"log_level"`
	LogFormat       string `toml:"log_format"` // auto, text, json
	MetricsEnabled  bool   `toml:"metrics_enabled"`
	HealthEndpoints bool   `toml:"health_endpoints"`

	Enhancement model.EnhancementRequest `toml:"enhancement"`
}

// DefaultSettings returns settings with default values.
func DefaultSettings() *Settings {
	return &Settings{
		APIURL:         DefaultAPIURL,
		CompletionMode: CompletionWebhook,
		ListenAddr:     "127.0.0.1:8080",

		OutputDir: "results",

		UploadWorkers:       50,
		DownloadWorkers:     50,
		MaxConnections:      100,
		RequestTimeout:      Duration(300 * time.Second),
		ShutdownTimeout:     Duration(60 * time.Second),
		ForceWait:           Duration(2 * time.Second),
		ItemQueueSize:       0,
		CompletionQueueSize: 0,

		TagResults:      true,
		ArtworkMaxSize:  1000,
		CreatePlaylist:  false,
		PlaylistFormat:  "m3u",
		M3UExtended:     true,
		PlaylistName:    "enhanced",
		LogLevel:        "info",
		LogFormat:       "auto",
		MetricsEnabled:  true,
		HealthEndpoints: true,

		Enhancement: model.DefaultEnhancementRequest("WAV"),
	}
}

// Load reads settings from a TOML file. A missing file yields the defaults.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultSettings(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	settings := DefaultSettings()
	if err := toml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return settings, nil
}

// Save writes settings to a TOML file.
func (s *Settings) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := toml.Marshal(s)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate reports every setting that would prevent the pipeline from
// starting.
func (s *Settings) Validate() error {
	var problems []string

	if strings.TrimSpace(s.APIURL) == "" {
		problems = append(problems, "api_url is required")
	}
	switch s.CompletionMode {
	case CompletionWebhook:
		if strings.TrimSpace(s.ListenAddr) == "" {
			problems = append(problems, "listen_addr is required in webhook mode")
		}
	case CompletionSync:
	default:
		problems = append(problems, fmt.Sprintf("completion_mode %q must be %q or %q", s.CompletionMode, CompletionWebhook, CompletionSync))
	}
	if strings.TrimSpace(s.OutputDir) == "" {
		problems = append(problems, "output_dir is required")
	}
	if s.UploadWorkers < 1 {
		problems = append(problems, "upload_workers must be at least 1")
	}
	if s.DownloadWorkers < 1 {
		problems = append(problems, "download_workers must be at least 1")
	}
	if s.MaxConnections < 1 {
		problems = append(problems, "max_connections must be at least 1")
	}
	if s.RequestTimeout <= 0 {
		problems = append(problems, "request_timeout must be positive")
	}
	if s.ShutdownTimeout < 0 || s.ForceWait < 0 {
		problems = append(problems, "shutdown_timeout and force_wait must not be negative")
	}
	if s.ItemQueueSize < 0 || s.CompletionQueueSize < 0 {
		problems = append(problems, "queue sizes must not be negative")
	}
	if err := s.Enhancement.Validate(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid settings: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ToEnhancementRequest returns the request shared by all uploads.
func (s *Settings) ToEnhancementRequest() model.EnhancementRequest {
	return s.Enhancement
}

// ResultFileExtension returns the extension used for retrieved files,
// falling back to the lower-cased transcode kind.
func (s *Settings) ResultFileExtension() string {
	if ext := strings.TrimPrefix(strings.TrimSpace(s.ResultExtension), "."); ext != "" {
		return strings.ToLower(ext)
	}
	return s.Enhancement.Extension()
}

// ToPlaylistFormat converts the configured playlist format.
func (s *Settings) ToPlaylistFormat() audio.PlaylistFormat {
	switch strings.ToLower(s.PlaylistFormat) {
	case "pls":
		return audio.FormatPLS
	case "wpl":
		return audio.FormatWPL
	case "zpl":
		return audio.FormatZPL
	default:
		return audio.FormatM3U
	}
}

// Duration is a time.Duration that reads and writes TOML strings such as
// "90s" or "5m". A unitless string like "300" is taken as seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %q", raw)
	}
	*d = Duration(seconds * float64(time.Second))
	return nil
}
