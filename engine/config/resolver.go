package config

import (
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/sdtm-pilot/sdtm-pilot/engine/core"
)

// envKeyMap names the only two SDTM_PILOT_* environment variables the
// Config Resolver itself consumes (spec.md §6): the vocabulary-service
// base URL override and the LLM mode switch. The LLM provider's API key
// is deliberately excluded — it is never stored on Config; engine/orchestrator
// reads it from the environment when it builds each LLM client.
var envKeyMap = map[string]string{
	"SDTM_PILOT_CT_BASE_URL": "ct.base_url",
	"SDTM_PILOT_LLM_MODE":    "llm.mode",
}

// Resolver loads the base configuration and deep-merges a per-study overlay
// over it, then applies environment-variable overrides for secrets. It is
// the sole owner of path resolution: every other component receives already
// resolved, absolute paths from the Config it returns.
type Resolver struct {
	basePath    string
	overlayPath string
	cwd         string
}

// NewResolver builds a Resolver. overlayPath may be empty when a study has
// no per-study overrides.
func NewResolver(basePath, overlayPath string) *Resolver {
	return &Resolver{basePath: basePath, overlayPath: overlayPath}
}

// Resolve produces the merged Config: defaults < base file < study overlay
// file < SDTM_* environment variables, then rewrites every PathsConfig
// field to an absolute path resolved against the base config file's
// directory.
func (r *Resolver) Resolve() (*Config, error) {
	cfg := Default()

	k := koanf.New(".")
	if err := k.Load(structs.Provider(*cfg, "koanf"), nil); err != nil {
		return nil, core.NewError(err, core.ErrConfig, "config_resolve", nil)
	}

	if r.basePath != "" {
		if err := k.Load(file.Provider(r.basePath), yaml.Parser()); err != nil {
			return nil, core.NewError(
				fmt.Errorf("loading base config %q: %w", r.basePath, err),
				core.ErrConfig, "config_resolve", nil,
			)
		}
		r.cwd = filepath.Dir(r.basePath)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, core.NewError(err, core.ErrConfig, "config_resolve", nil)
	}

	if r.overlayPath != "" {
		overlay := &Config{}
		ok := koanf.New(".")
		if err := ok.Load(file.Provider(r.overlayPath), yaml.Parser()); err != nil {
			return nil, core.NewError(
				fmt.Errorf("loading study overlay %q: %w", r.overlayPath, err),
				core.ErrConfig, "config_resolve", nil,
			)
		}
		if err := ok.Unmarshal("", overlay); err != nil {
			return nil, core.NewError(err, core.ErrConfig, "config_resolve", nil)
		}
		if err := mergeOverlay(cfg, overlay); err != nil {
			return nil, core.NewError(err, core.ErrConfig, "config_resolve", nil)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, core.NewError(err, core.ErrConfig, "config_resolve", nil)
	}

	if err := r.resolvePaths(cfg); err != nil {
		return nil, core.NewError(err, core.ErrConfig, "config_resolve", nil)
	}
	return cfg, nil
}

// mergeOverlay deep-merges overlay over base, overlay values taking
// precedence — the per-study "overrides" half of the Config Resolver's
// contract.
func mergeOverlay(base, overlay *Config) error {
	return mergo.Merge(base, overlay, mergo.WithOverride, mergo.WithAppendSlice)
}

// applyEnvOverrides loads the SDTM_PILOT_* environment variables in
// envKeyMap into a fresh koanf instance using koanf's env/v2 provider, then
// unmarshals only those keys into cfg so an override wins over both the
// base and study-overlay files (spec.md §6). TransformFunc maps each
// recognized env var to its dotted koanf key directly and drops everything
// else, since a generic underscore-to-dot rewrite would mangle keys like
// "ct.base_url" whose last segment itself contains an underscore.
func applyEnvOverrides(cfg *Config) error {
	ek := koanf.New(".")
	err := ek.Load(env.Provider(".", env.Opts{
		TransformFunc: func(envKey, value string) (string, any) {
			dotted, ok := envKeyMap[envKey]
			if !ok {
				return "", nil
			}
			return dotted, value
		},
	}), nil)
	if err != nil {
		return fmt.Errorf("loading SDTM_PILOT_* environment overrides: %w", err)
	}
	return ek.Unmarshal("", cfg)
}

func (r *Resolver) resolvePaths(cfg *Config) error {
	root := r.cwd
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		root = wd
	}
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(root, p)
	}
	cfg.Paths.RegistryPath = resolve(cfg.Paths.RegistryPath)
	cfg.Paths.IGContentDir = resolve(cfg.Paths.IGContentDir)
	cfg.Paths.CTOverlayPath = resolve(cfg.Paths.CTOverlayPath)
	cfg.Paths.ConventionsBaseDir = resolve(cfg.Paths.ConventionsBaseDir)
	cfg.Paths.ConventionsStudyDir = resolve(cfg.Paths.ConventionsStudyDir)
	cfg.Paths.MemoryCompanyDir = resolve(cfg.Paths.MemoryCompanyDir)
	cfg.Paths.MemoryStudyDir = resolve(cfg.Paths.MemoryStudyDir)
	cfg.Paths.OutputRoot = resolve(cfg.Paths.OutputRoot)
	return nil
}
