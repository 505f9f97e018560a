package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates Config with the same precedence chain as the teacher's
// config loader: defaults, then an optional file, then environment
// overrides (prefix SENTRY_).
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{envPrefix: envPrefix, files: files}
}

// Load assembles the effective Config.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")
	defaults := DefaultConfig()
	if err := k.Load(confmap.Provider(structToMap(defaults), "."), nil); err != nil {
		return Config{}, fmt.Errorf("policy: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("policy: file %s not found", path)
			}
			return Config{}, fmt.Errorf("policy: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("policy: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("policy: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("policy: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadBundle reads and parses the policy bundle file named by cfg.Bundle.File.
func LoadBundle(path string) (Bundle, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return Bundle{}, fmt.Errorf("policy: load bundle %s: %w", path, err)
	}
	var bundle Bundle
	if err := k.Unmarshal("", &bundle); err != nil {
		return Bundle{}, fmt.Errorf("policy: unmarshal bundle %s: %w", path, err)
	}
	return bundle, nil
}

func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"listen": map[string]any{
			"address": cfg.Listen.Address,
			"port":    cfg.Listen.Port,
		},
		"logging": map[string]any{
			"level":             cfg.Logging.Level,
			"format":            cfg.Logging.Format,
			"correlationHeader": cfg.Logging.CorrelationHeader,
		},
		"bundle": map[string]any{
			"file": cfg.Bundle.File,
		},
		"counters": map[string]any{
			"address": cfg.Counters.Address,
		},
		"templates": map[string]any{
			"folder":   cfg.Templates.Folder,
			"allowEnv": cfg.Templates.AllowEnv,
			"allowed":  cfg.Templates.Allowed,
		},
	}
}
