// Package config handles layered configuration: code defaults, the JSON
// config file, then environment overrides, highest wins.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all tunables. JSON tags match the on-disk config file.
type Config struct {
	// Audio and recognition settings
	SilenceThreshold         float64 `json:"silence_threshold"`
	SilenceDuration          float64 `json:"silence_duration"`           // seconds of silence before stopping
	PreSpeechPadding         float64 `json:"pre_speech_padding"`         // seconds kept before speech starts
	SilenceThresholdFallback float64 `json:"silence_threshold_fallback"` // when calibration cannot run
	SilenceThresholdMin      float64 `json:"silence_threshold_min"`
	SilenceThresholdMax      float64 `json:"silence_threshold_max"`
	SampleRate               int     `json:"audio_sample_rate"`
	ChunkMillis              int     `json:"audio_chunk_ms"`

	// Recording durations
	MaxRecordingDuration float64 `json:"max_recording_duration"` // seconds, short mode
	LongModeMaxDuration  float64 `json:"long_mode_max_duration"` // seconds, long mode

	// Backend server
	ServerURL string `json:"server_url"`

	// Network timeouts, seconds
	HTTPTimeout        float64 `json:"http_timeout"`
	HealthCheckTimeout float64 `json:"health_check_timeout"`

	// Process management timeouts, seconds
	ProcessStopTimeout   float64 `json:"process_stop_timeout"`
	LockAcquireTimeout   float64 `json:"lock_acquire_timeout"`
	LockRetryInterval    float64 `json:"lock_retry_interval"`
	ProcessCheckInterval float64 `json:"process_check_interval"`

	// Application features
	ClipboardOnLong  bool    `json:"clipboard_on_long"`
	SaveTranscripts  bool    `json:"save_transcripts"`
	TranscriptDir    string  `json:"transcript_dir"`
	AutoSaveInterval float64 `json:"auto_save_interval"` // seconds, long mode
}

// Defaults returns the code-default configuration.
func Defaults() *Config {
	return &Config{
		SilenceThreshold:         200.0,
		SilenceDuration:          3.0,
		PreSpeechPadding:         0.3,
		SilenceThresholdFallback: 500.0,
		SilenceThresholdMin:      50.0,
		SilenceThresholdMax:      5000.0,
		SampleRate:               16000,
		ChunkMillis:              30,

		MaxRecordingDuration: 30.0,
		LongModeMaxDuration:  600.0,

		ServerURL: "http://127.0.0.1:5555",

		HTTPTimeout:        120.0,
		HealthCheckTimeout: 2.0,

		ProcessStopTimeout:   5.0,
		LockAcquireTimeout:   1.0,
		LockRetryInterval:    0.01,
		ProcessCheckInterval: 0.1,

		ClipboardOnLong:  true,
		SaveTranscripts:  true,
		TranscriptDir:    filepath.Join(dataDir(), "transcripts"),
		AutoSaveInterval: 30.0,
	}
}

// Load returns defaults overlaid by the config file and then the environment.
// A broken config file logs an error and falls back to defaults; configuration
// loading is never fatal.
func Load() *Config {
	cfg := Defaults()

	path := File()
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			slog.Error("config file is not valid JSON, using defaults", "path", path, "error", err)
			cfg = Defaults()
		}
	}

	cfg.SilenceThreshold = getEnvFloat("HARK_SILENCE_THRESHOLD", cfg.SilenceThreshold)
	cfg.SilenceDuration = getEnvFloat("HARK_SILENCE_DURATION", cfg.SilenceDuration)
	cfg.SampleRate = getEnvInt("HARK_SAMPLE_RATE", cfg.SampleRate)
	cfg.ServerURL = getEnv("HARK_SERVER_URL", cfg.ServerURL)
	cfg.TranscriptDir = getEnv("HARK_TRANSCRIPT_DIR", cfg.TranscriptDir)

	return cfg
}

// Save writes the configuration to the config file, creating the directory
// if needed. Used by calibration to persist the computed threshold.
func (c *Config) Save() error {
	path := File()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// File returns the config file path, honoring HARK_CONFIG for tests and
// non-standard setups.
func File() string {
	if p := os.Getenv("HARK_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "hark", "config.json")
}

// RuntimeDir returns the directory holding PID and lock files.
func RuntimeDir() string {
	if p := os.Getenv("HARK_RUNTIME_DIR"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, "hark")
}

func dataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "hark")
}

// ChunkSamples returns the number of samples per capture chunk.
func (c *Config) ChunkSamples() int {
	return c.SampleRate * c.ChunkMillis / 1000
}

// ChunkDuration returns the duration of one capture chunk.
func (c *Config) ChunkDuration() time.Duration {
	return time.Duration(c.ChunkMillis) * time.Millisecond
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
