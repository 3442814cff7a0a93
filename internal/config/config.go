// Package config resolves the pipeline's configuration surface through the
// five-level precedence from spec.md §6: CLI flags beat environment
// variables, which beat a YAML config file, which beats auto-detection,
// which beats built-in defaults.
package config

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/agensys/reviewbot/internal/model"
)

// envVars mirrors the recognized keys table in spec.md §6.
type envVars struct {
	Model             string `env:"REVIEWBOT_MODEL"`
	MaxInputTokens    int    `env:"REVIEWBOT_MAX_INPUT_TOKENS"`
	MaxOutputTokens   int    `env:"REVIEWBOT_MAX_OUTPUT_TOKENS"`
	MaxDiffBytes      int    `env:"REVIEWBOT_MAX_DIFF_BYTES"`
	MaxPRs            int    `env:"REVIEWBOT_MAX_PRS"`
	MaxFilesPerPR     int    `env:"REVIEWBOT_MAX_FILES_PER_PR"`
	SanitizerMode     string `env:"REVIEWBOT_SANITIZER_MODE"`
	MaxRuntimeMinutes int    `env:"REVIEWBOT_MAX_RUNTIME_MINUTES"`
	ReviewMode        string `env:"REVIEWBOT_REVIEW_MODE"`
	Persona           string `env:"REVIEWBOT_PERSONA"`
	PersonaFilePath   string `env:"REVIEWBOT_PERSONA_FILE"`
	EcosystemPath     string `env:"REVIEWBOT_ECOSYSTEM_PATH"`
	Pass1CacheEnabled bool   `env:"REVIEWBOT_PASS1_CACHE_ENABLED"`
	ForceFullReview   bool   `env:"REVIEWBOT_FORCE_FULL_REVIEW"`
	LogLevel          string `env:"REVIEWBOT_LOG_LEVEL"`
	ReviewMarker      string `env:"REVIEWBOT_REVIEW_MARKER"`
	DryRun            bool   `env:"REVIEWBOT_DRY_RUN"`
	ScheduleCron      string `env:"REVIEWBOT_SCHEDULE_CRON"`
}

// fileConfig is the shape of the optional YAML config file.
type fileConfig struct {
	Repos             []model.RepoRef `yaml:"repos"`
	TargetPR          int             `yaml:"targetPr"`
	Model             string          `yaml:"model"`
	MaxInputTokens    int             `yaml:"maxInputTokens"`
	MaxOutputTokens   int             `yaml:"maxOutputTokens"`
	MaxDiffBytes      int             `yaml:"maxDiffBytes"`
	MaxPRs            int             `yaml:"maxPrs"`
	MaxFilesPerPr     int             `yaml:"maxFilesPerPr"`
	ExcludePatterns   []string        `yaml:"excludePatterns"`
	SanitizerMode     string          `yaml:"sanitizerMode"`
	MaxRuntimeMinutes int             `yaml:"maxRuntimeMinutes"`
	ReviewMode        string          `yaml:"reviewMode"`
	Persona           string          `yaml:"persona"`
	PersonaFilePath   string          `yaml:"personaFilePath"`
	EcosystemPath     string          `yaml:"ecosystemContextPath"`
	Pass1CacheEnabled bool            `yaml:"pass1CacheEnabled"`
	ForceFullReview   bool            `yaml:"forceFullReview"`
	LoaAware          *bool           `yaml:"loaAware"`
	ScheduleCron      string          `yaml:"scheduleCron"`
}

// defaults returns the built-in bottom layer of precedence.
func defaults() model.Config {
	return model.Config{
		Model:             "claude-3-5-sonnet-latest",
		MaxInputTokens:    150_000,
		MaxOutputTokens:   4_096,
		MaxDiffBytes:      2_000_000,
		MaxPRs:            20,
		MaxFilesPerPR:     100,
		SanitizerMode:     model.SanitizerModeDefault,
		MaxRuntimeMinutes: 25,
		ReviewMode:        model.ReviewModeTwoPass,
		ReviewMarker:      "reviewbot",
		Pass1CacheEnabled: true,
		WALPath:           "./data/wal.jsonl",
		ContextStorePath:  "./data/state.json",
		Pass1CachePath:    "./data/pass1cache",
		LogLevel:          "info",
	}
}

// Flags mirrors the CLI surface; the zero value of each field means
// "not set on the command line" and defers to lower precedence.
type Flags struct {
	Model            string
	TargetPR         int
	ConfigFile       string
	SanitizerMode    string
	ReviewMode       string
	DryRun           bool
	ForceFullReview  bool
	MaxRuntimeMin    int
	set              map[string]bool
}

// ParseFlags parses args (normally os.Args[1:]) into Flags, tracking which
// flags were explicitly set so zero values don't shadow lower-precedence
// layers.
func ParseFlags(fs *flag.FlagSet, args []string) (Flags, error) {
	var f Flags
	fs.StringVar(&f.Model, "model", "", "LLM model identifier")
	fs.IntVar(&f.TargetPR, "target-pr", 0, "single PR filter")
	fs.StringVar(&f.ConfigFile, "config", "", "path to YAML config file")
	fs.StringVar(&f.SanitizerMode, "sanitizer-mode", "", "default|strict")
	fs.StringVar(&f.ReviewMode, "review-mode", "", "single-pass|two-pass")
	fs.BoolVar(&f.DryRun, "dry-run", false, "do not post, only compute")
	fs.BoolVar(&f.ForceFullReview, "force-full-review", false, "disable incremental mode")
	fs.IntVar(&f.MaxRuntimeMin, "max-runtime-minutes", 0, "soft run budget in minutes")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	f.set = map[string]bool{}
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	return f, nil
}

// Load resolves the full five-level precedence: flags > env > config file >
// auto-detect > defaults.
func Load(fs Flags, environ []string, autoDetectLoaAware func() *bool) (model.Config, error) {
	cfg := defaults()

	// auto-detect layer
	if autoDetectLoaAware != nil {
		cfg.LoaAware = autoDetectLoaAware()
	}

	// config-file layer
	if fs.ConfigFile != "" {
		fc, err := loadFile(fs.ConfigFile)
		if err != nil {
			return model.Config{}, err
		}
		applyFile(&cfg, fc)
	}

	// env layer
	var ev envVars
	lookuper := envconfig.MapLookuper(environToMap(environ))
	if err := envconfig.ProcessWith(context.Background(), &envconfig.Config{Target: &ev, Lookuper: lookuper}); err != nil {
		return model.Config{}, fmt.Errorf("config: processing env vars: %w", err)
	}
	applyEnv(&cfg, ev)

	// CLI layer (highest precedence; only fields explicitly set)
	applyFlags(&cfg, fs)

	if cfg.TargetPR != 0 && len(cfg.Repos) != 1 {
		return model.Config{}, fmt.Errorf("config: targetPr requires exactly one configured repo, got %d", len(cfg.Repos))
	}
	return cfg, nil
}

func environToMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

func loadFile(path string) (fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return fc, nil
}

func applyFile(cfg *model.Config, fc fileConfig) {
	if len(fc.Repos) > 0 {
		cfg.Repos = fc.Repos
	}
	if fc.TargetPR != 0 {
		cfg.TargetPR = fc.TargetPR
	}
	if fc.Model != "" {
		cfg.Model = fc.Model
	}
	setIfNonZero(&cfg.MaxInputTokens, fc.MaxInputTokens)
	setIfNonZero(&cfg.MaxOutputTokens, fc.MaxOutputTokens)
	setIfNonZero(&cfg.MaxDiffBytes, fc.MaxDiffBytes)
	setIfNonZero(&cfg.MaxPRs, fc.MaxPRs)
	setIfNonZero(&cfg.MaxFilesPerPR, fc.MaxFilesPerPr)
	if len(fc.ExcludePatterns) > 0 {
		cfg.ExcludePatterns = fc.ExcludePatterns
	}
	if fc.SanitizerMode != "" {
		cfg.SanitizerMode = model.SanitizerMode(fc.SanitizerMode)
	}
	setIfNonZero(&cfg.MaxRuntimeMinutes, fc.MaxRuntimeMinutes)
	if fc.ReviewMode != "" {
		cfg.ReviewMode = model.ReviewMode(fc.ReviewMode)
	}
	if fc.Persona != "" {
		cfg.Persona = fc.Persona
	}
	if fc.PersonaFilePath != "" {
		cfg.PersonaFilePath = fc.PersonaFilePath
	}
	if fc.EcosystemPath != "" {
		cfg.EcosystemContextPath = fc.EcosystemPath
	}
	if fc.Pass1CacheEnabled {
		cfg.Pass1CacheEnabled = true
	}
	if fc.ForceFullReview {
		cfg.ForceFullReview = true
	}
	if fc.LoaAware != nil {
		cfg.LoaAware = fc.LoaAware
	}
	if fc.ScheduleCron != "" {
		cfg.ScheduleCron = fc.ScheduleCron
	}
}

func applyEnv(cfg *model.Config, ev envVars) {
	if ev.Model != "" {
		cfg.Model = ev.Model
	}
	setIfNonZero(&cfg.MaxInputTokens, ev.MaxInputTokens)
	setIfNonZero(&cfg.MaxOutputTokens, ev.MaxOutputTokens)
	setIfNonZero(&cfg.MaxDiffBytes, ev.MaxDiffBytes)
	setIfNonZero(&cfg.MaxPRs, ev.MaxPRs)
	setIfNonZero(&cfg.MaxFilesPerPR, ev.MaxFilesPerPR)
	if ev.SanitizerMode != "" {
		cfg.SanitizerMode = model.SanitizerMode(ev.SanitizerMode)
	}
	setIfNonZero(&cfg.MaxRuntimeMinutes, ev.MaxRuntimeMinutes)
	if ev.ReviewMode != "" {
		cfg.ReviewMode = model.ReviewMode(ev.ReviewMode)
	}
	if ev.Persona != "" {
		cfg.Persona = ev.Persona
	}
	if ev.PersonaFilePath != "" {
		cfg.PersonaFilePath = ev.PersonaFilePath
	}
	if ev.EcosystemPath != "" {
		cfg.EcosystemContextPath = ev.EcosystemPath
	}
	if ev.Pass1CacheEnabled {
		cfg.Pass1CacheEnabled = true
	}
	if ev.ForceFullReview {
		cfg.ForceFullReview = true
	}
	if ev.LogLevel != "" {
		cfg.LogLevel = ev.LogLevel
	}
	if ev.ReviewMarker != "" {
		cfg.ReviewMarker = ev.ReviewMarker
	}
	if ev.DryRun {
		cfg.DryRun = true
	}
	if ev.ScheduleCron != "" {
		cfg.ScheduleCron = ev.ScheduleCron
	}
}

func applyFlags(cfg *model.Config, f Flags) {
	if f.set == nil {
		return
	}
	if f.set["model"] {
		cfg.Model = f.Model
	}
	if f.set["target-pr"] {
		cfg.TargetPR = f.TargetPR
	}
	if f.set["sanitizer-mode"] {
		cfg.SanitizerMode = model.SanitizerMode(f.SanitizerMode)
	}
	if f.set["review-mode"] {
		cfg.ReviewMode = model.ReviewMode(f.ReviewMode)
	}
	if f.set["dry-run"] {
		cfg.DryRun = f.DryRun
	}
	if f.set["force-full-review"] {
		cfg.ForceFullReview = f.ForceFullReview
	}
	if f.set["max-runtime-minutes"] {
		cfg.MaxRuntimeMinutes = f.MaxRuntimeMin
	}
}

func setIfNonZero(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// ParseBoolEnv is a small helper for callers wiring auto-detect from a
// plain string (kept for symmetry with the rest of the env-driven surface).
func ParseBoolEnv(s string) (bool, error) {
	return strconv.ParseBool(s)
}
