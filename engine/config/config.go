// Package config implements the Config Resolver (spec.md §4.1 component 1):
// it deep-merges a base configuration with a per-study overlay and resolves
// the paths every other component reads from (function registry, IG
// content, CT overlay table, output root).
package config

import "time"

// LLMMode mirrors the three LLM Client modes (spec.md §4.8).
type LLMMode string

const (
	LLMModeLive     LLMMode = "live"
	LLMModeLogOnly  LLMMode = "log-only"
	LLMModeTemplate LLMMode = "template"
)

// PathsConfig resolves every filesystem location the pipeline reads or
// writes. Relative paths are resolved against the directory the config
// file was loaded from.
type PathsConfig struct {
	RegistryPath        string `koanf:"registry_path"`
	IGContentDir         string `koanf:"ig_content_dir"`
	CTOverlayPath        string `koanf:"ct_overlay_path"`
	ConventionsBaseDir   string `koanf:"conventions_base_dir"`
	ConventionsStudyDir  string `koanf:"conventions_study_dir"`
	MemoryCompanyDir     string `koanf:"memory_company_dir"`
	MemoryStudyDir       string `koanf:"memory_study_dir"`
	OutputRoot           string `koanf:"output_root"`
}

// PipelineConfig controls the orchestrator's bounded loops and gates.
type PipelineConfig struct {
	MaxIterations        int  `koanf:"max_iterations"`
	SchemaRetryBudget    int  `koanf:"schema_retry_budget"`
	ComparisonSampleSize int  `koanf:"comparison_sample_size"`
	ValidationFatal      bool `koanf:"validation_fatal"`
}

// LLMConfig selects the LLM Client's mode and provider.
type LLMConfig struct {
	Mode             LLMMode       `koanf:"mode"`
	ProductionModel  ModelConfig   `koanf:"production_model"`
	QCModel          ModelConfig   `koanf:"qc_model"`
	ReviewModel      ModelConfig   `koanf:"review_model"`
	PromptLogPath    string        `koanf:"prompt_log_path"`
	RequestTimeout   time.Duration `koanf:"request_timeout"`
	ModelRetryBudget int           `koanf:"model_retry_budget"`
}

// ModelConfig names a single provider+model pair. The API key is always
// taken from the environment (never from a config file) per spec.md §6.
type ModelConfig struct {
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	APIURL   string `koanf:"api_url"`
}

// CTConfig configures the vocabulary-service HTTP client.
type CTConfig struct {
	BaseURL     string        `koanf:"base_url"`
	Timeout     time.Duration `koanf:"timeout"`
	RetryBudget int           `koanf:"retry_budget"`
}

// LoggingConfig controls pkg/logger.
type LoggingConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

// Config is the fully resolved, merged configuration every component reads.
type Config struct {
	StudyID    string        `koanf:"study_id"`
	Paths      PathsConfig   `koanf:"paths"`
	Pipeline   PipelineConfig `koanf:"pipeline"`
	LLM        LLMConfig     `koanf:"llm"`
	CT         CTConfig      `koanf:"ct"`
	Logging    LoggingConfig `koanf:"logging"`
}

// Default returns the baseline configuration applied before any base/overlay
// file or environment override is merged in.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			RegistryPath:       "registry/functions.yaml",
			IGContentDir:       "ig",
			CTOverlayPath:      "ct/overlay.yaml",
			ConventionsBaseDir: "conventions/base",
			MemoryCompanyDir:   "memory/company",
			OutputRoot:         "output",
		},
		Pipeline: PipelineConfig{
			MaxIterations:        5,
			SchemaRetryBudget:    2,
			ComparisonSampleSize: 10,
			ValidationFatal:      true,
		},
		LLM: LLMConfig{
			Mode:             LLMModeTemplate,
			RequestTimeout:   60 * time.Second,
			ModelRetryBudget: 2,
		},
		CT: CTConfig{
			Timeout:     10 * time.Second,
			RetryBudget: 2,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}
