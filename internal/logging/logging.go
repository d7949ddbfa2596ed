package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/engine"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/mixer"
	"github.com/lmittmann/tint"
)

// #region options
// Format selects the handler.
type Format string

const (
	FormatText Format = "text" // colored tint output for terminals
	FormatJSON Format = "json"
)

// Options configures New.
type Options struct {
	Level   slog.Level
	Format  Format
	Writer  io.Writer // defaults to os.Stderr
	NoColor bool
}

// #endregion options

// #region constructor
// New builds a logger. Text output goes through tint; JSON output through the
// standard JSON handler.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	if opts.Format == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      opts.Level,
		TimeFormat: "15:04:05",
		NoColor:    opts.NoColor,
	}))
}

// ParseLevel accepts debug, info, warn and error in any case.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// ParseFormat accepts text or json.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format %q", s)
	}
}

// #endregion constructor

// #region attrs
// MixerAttrs renders mixer metrics as a "mixer" group.
func MixerAttrs(m mixer.Metrics) slog.Attr {
	return slog.Group("mixer",
		slog.Float64("admitted", m.AdmissibleVolume),
		slog.Float64("excluded", m.ExcludedVolume),
		slog.Float64("undecided", m.UndecidedVolume),
		slog.Float64("loop_gain", m.LoopGain),
		slog.Float64("collapse_ratio", m.CollapseRatio),
		slog.Float64("conservation_error", m.ConservationError),
		slog.Bool("transport_ready", m.TransportReady),
	)
}

// SnapshotAttrs renders the parts of a snapshot worth a log line.
func SnapshotAttrs(s engine.Snapshot) []any {
	attrs := []any{
		slog.String("kind", string(s.Kind)),
		slog.Uint64("step", s.Step),
		MixerAttrs(s.Mixer),
		slog.Int("stable_count", s.StableCount),
		slog.Bool("audit_passed", s.Audit.Passed),
	}
	if s.Collapse != nil {
		attrs = append(attrs,
			slog.String("rule", string(s.Collapse.Decision.Rule)),
			slog.Float64("removed", s.Collapse.Result.Removed()),
		)
	}
	return attrs
}

// #endregion attrs
