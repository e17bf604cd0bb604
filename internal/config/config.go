// Package config resolves the daemon's environment-sourced configuration.
//
// The fields here mirror the environment variables spec.md §6 names as
// "consumed by the core". Defaults are declared as a literal struct (see
// Default()) and environment overrides are merged on top with mergo, the
// same default-then-merge shape the teacher uses for its own config.yml.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/OpenPeeDeeP/xdg"
	"github.com/imdario/mergo"
)

// Config is the daemon-wide configuration resolved once at startup.
type Config struct {
	// CommandTimeout bounds how long a single Session.Exec may run before
	// it is rejected with Timeout.
	CommandTimeout time.Duration
	// CleanupInterval is the cadence of the background sweep that removes
	// stale temp files and terminal process capture files.
	CleanupInterval time.Duration
	// TempFileMaxAge is how old a temp file may get before the cleanup
	// sweep removes it.
	TempFileMaxAge time.Duration
	// TempDir is where control-process transport files and process
	// capture files are written.
	TempDir string
	// Version is surfaced via /api/version; "unknown" when unset.
	Version string
	// Debug toggles verbose file-backed logging and go-deadlock checked
	// mutexes in the registries.
	Debug bool
	// StrictIsolation turns an unsupported isolation request into a hard
	// ValidationFailed error instead of a logged, non-fatal degrade. See
	// DESIGN.md "Open Question decisions".
	StrictIsolation bool
}

// SessionOverride carries the per-session environment values spec.md §6
// lists (SESSION_ID, SESSION_CWD, SESSION_ISOLATED) for the control-child
// process that is about to be spawned.
type SessionOverride struct {
	SessionID string
	Cwd       string
	Isolated  bool
}

// Default returns the built-in defaults, matching the shape of the
// teacher's GetDefaultConfig.
func Default() Config {
	return Config{
		CommandTimeout:  30 * time.Second,
		CleanupInterval: 5 * time.Minute,
		TempFileMaxAge:  1 * time.Hour,
		TempDir:         defaultTempDir(),
		Version:         "unknown",
		Debug:           false,
		StrictIsolation: false,
	}
}

// FromEnv builds a Config by merging process-environment overrides onto
// Default(), the same default-then-merge shape the teacher applies to its
// own config.yml via mergo.Merge.
func FromEnv() (Config, error) {
	cfg := Default()

	override := Config{}
	if v, ok := durationMillisEnv("COMMAND_TIMEOUT_MS"); ok {
		override.CommandTimeout = v
	}
	if v, ok := durationMillisEnv("CLEANUP_INTERVAL_MS"); ok {
		override.CleanupInterval = v
	}
	if v, ok := durationMillisEnv("TEMP_FILE_MAX_AGE_MS"); ok {
		override.TempFileMaxAge = v
	}
	if v := os.Getenv("TEMP_DIR"); v != "" {
		override.TempDir = v
	}
	if v := os.Getenv("SANDBOX_VERSION"); v != "" {
		override.Version = v
	}
	if boolEnv("SANDBOXD_DEBUG") {
		override.Debug = true
	}
	if boolEnv("SANDBOX_STRICT_ISOLATION") {
		override.StrictIsolation = true
	}

	if err := mergo.Merge(&cfg, override, mergo.WithOverride); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SessionOverrideFromEnv reads the per-session environment values a
// control-child process is started with (spec.md §4.1).
func SessionOverrideFromEnv() SessionOverride {
	return SessionOverride{
		SessionID: os.Getenv("SESSION_ID"),
		Cwd:       os.Getenv("SESSION_CWD"),
		Isolated:  boolEnv("SESSION_ISOLATED"),
	}
}

func defaultTempDir() string {
	if dir := os.Getenv("TEMP_DIR"); dir != "" {
		return dir
	}
	dirs := xdg.New("sandboxrun", "sandboxd")
	if cache := dirs.CacheHome(); cache != "" {
		return cache
	}
	return os.TempDir()
}

func durationMillisEnv(name string) (time.Duration, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

func boolEnv(name string) bool {
	v, err := strconv.ParseBool(os.Getenv(name))
	if err != nil {
		return false
	}
	return v
}
