// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package p2p

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Environment variables that override a LogConfig.
const (
	EnvLogLevel   = "P2P_LOG_LEVEL"
	EnvLogNoColor = "P2P_LOG_NOCOLOR"
	EnvLogJSON    = "P2P_LOG_JSON"
)

// LogConfig selects the logger built by [NewLogger].
type LogConfig struct {
	Level   string `toml:"level"`
	NoColor bool   `toml:"no_color"`
	JSON    bool   `toml:"json"`
}

// NewLogger builds a zerolog logger writing to w. Environment variables
// take precedence over cfg. The default level is info; console output is
// used unless JSON is selected.
func NewLogger(w io.Writer, cfg LogConfig) zerolog.Logger {
	applyEnvOverrides(&cfg)
	lvl, ok := parseLevel(cfg.Level)
	if !ok {
		lvl = zerolog.InfoLevel
	}
	out := w
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.NoColor,
		}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Str("component", "p2p").Logger()
}

func applyEnvOverrides(cfg *LogConfig) {
	if raw := os.Getenv(EnvLogLevel); strings.TrimSpace(raw) != "" {
		cfg.Level = raw
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogJSON)); ok {
		cfg.JSON = v
	}
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "diagnostics":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
