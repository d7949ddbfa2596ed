package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/engine"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/gate"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/mixer"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/ssp"
	"github.com/danielpatrickdp/ternary-mixer/go-controller/internal/writer"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment overrides applied by ApplyEnv.
const (
	EnvDB          = "TERNARY_DB"
	EnvLogLevel    = "TERNARY_LOG_LEVEL"
	EnvLogFormat   = "TERNARY_LOG_FORMAT"
	EnvMetricsFile = "TERNARY_METRICS_FILE"
)

// #region run-config
// SystemConfig sizes the simulated system.
type SystemConfig struct {
	TotalMass float64        `yaml:"total_mass" validate:"gt=0"`
	FieldLen  int            `yaml:"field_len" validate:"gt=0,lte=16777216"`
	Capacity  float64        `yaml:"capacity" validate:"gte=0"` // 0 means total_mass
	Seeding   engine.Seeding `yaml:"seeding" validate:"oneof=undecided uniform"`
}

// WritersConfig binds one writer to each role.
type WritersConfig struct {
	Admitted  writer.Config `yaml:"admitted"`
	Excluded  writer.Config `yaml:"excluded"`
	Undecided writer.Config `yaml:"undecided"`
}

// ScheduleConfig mirrors engine.Schedule.
type ScheduleConfig struct {
	Steps         int     `yaml:"steps" validate:"gt=0"`
	CollapseEvery int     `yaml:"collapse_every" validate:"gte=0"`
	Alpha         float64 `yaml:"alpha" validate:"gte=0,lte=1"`
	StopWhenReady bool    `yaml:"stop_when_ready"`
}

// OutputConfig says where traces, metrics and logs go.
type OutputConfig struct {
	DB          string `yaml:"db"`
	MetricsFile string `yaml:"metrics_file"`
	LogLevel    string `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	LogFormat   string `yaml:"log_format" validate:"omitempty,oneof=text json"`
}

// RunConfig is the YAML run file.
type RunConfig struct {
	Label    string          `yaml:"label"`
	System   SystemConfig    `yaml:"system"`
	Mixer    mixer.Config    `yaml:"mixer"`
	Gate     gate.GateConfig `yaml:"gate"`
	Writers  WritersConfig   `yaml:"writers"`
	Schedule ScheduleConfig  `yaml:"schedule"`
	Output   OutputConfig    `yaml:"output"`
}

// Default returns the 1000-unit, 128-cell system with no writers, collapsing
// by 0.01 every 10 steps for 200 steps.
func Default() RunConfig {
	return defaultFor(1000)
}

func defaultFor(totalMass float64) RunConfig {
	ec := engine.DefaultConfig()
	return RunConfig{
		System: SystemConfig{
			TotalMass: totalMass,
			FieldLen:  ec.FieldLen,
			Seeding:   ec.Seeding,
		},
		Mixer:    mixer.DefaultConfigFor(totalMass),
		Gate:     ec.Gate,
		Writers:  WritersConfig{Admitted: writer.DefaultConfig(), Excluded: writer.DefaultConfig(), Undecided: writer.DefaultConfig()},
		Schedule: ScheduleConfig{Steps: 200, CollapseEvery: 10, Alpha: 0.01},
		Output:   OutputConfig{LogLevel: "info", LogFormat: "text"},
	}
}

// #endregion run-config

// #region load
// Load reads a run file. Unset keys keep their defaults, and the mixer
// epsilons default to values scaled by the file's total_mass.
func Load(path string) (RunConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a run file from memory. Unknown keys are rejected.
func Parse(raw []byte) (RunConfig, error) {
	var probe struct {
		System struct {
			TotalMass float64 `yaml:"total_mass"`
		} `yaml:"system"`
	}
	if err := yaml.Unmarshal(raw, &probe); err != nil {
		return RunConfig{}, fmt.Errorf("parse config: %w", err)
	}
	total := probe.System.TotalMass
	if total <= 0 {
		total = Default().System.TotalMass
	}

	cfg := defaultFor(total)
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return RunConfig{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays the TERNARY_* environment variables.
func (c *RunConfig) ApplyEnv() {
	c.Output.DB = envOr(EnvDB, c.Output.DB)
	c.Output.LogLevel = envOr(EnvLogLevel, c.Output.LogLevel)
	c.Output.LogFormat = envOr(EnvLogFormat, c.Output.LogFormat)
	c.Output.MetricsFile = envOr(EnvMetricsFile, c.Output.MetricsFile)
}

// #endregion load

// #region validate
var validate = validator.New()

// Validate checks every section and reports all violations at once.
func (c RunConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ssp.Fail("validate_run_config", ssp.ErrInvalidConfig, err.Error())
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: %s %s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
	}
	return ssp.Fail("validate_run_config", ssp.ErrInvalidConfig, strings.Join(parts, "; "))
}

// #endregion validate

// #region engine-wiring
// EngineConfig converts the system, mixer and gate sections.
func (c RunConfig) EngineConfig() engine.Config {
	return engine.Config{
		TotalMass: c.System.TotalMass,
		FieldLen:  c.System.FieldLen,
		Capacity:  c.System.Capacity,
		Seeding:   c.System.Seeding,
		Mixer:     c.Mixer,
		Gate:      c.Gate,
	}
}

// EngineSchedule converts the schedule section.
func (c RunConfig) EngineSchedule() engine.Schedule {
	return engine.Schedule{
		Steps:         c.Schedule.Steps,
		CollapseEvery: c.Schedule.CollapseEvery,
		Alpha:         c.Schedule.Alpha,
		StopWhenReady: c.Schedule.StopWhenReady,
	}
}

// WriterOptions builds one engine.WithWriter option per configured writer.
func (c RunConfig) WriterOptions() ([]engine.Option, error) {
	byRole := map[ssp.Role]writer.Config{
		ssp.RoleAdmitted:  c.Writers.Admitted,
		ssp.RoleExcluded:  c.Writers.Excluded,
		ssp.RoleUndecided: c.Writers.Undecided,
	}
	var opts []engine.Option
	for _, role := range ssp.Roles() {
		w, err := writer.New(byRole[role])
		if err != nil {
			return nil, fmt.Errorf("%s writer: %w", role, err)
		}
		opts = append(opts, engine.WithWriter(role, w))
	}
	return opts, nil
}

// #endregion engine-wiring

// #region helpers
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
