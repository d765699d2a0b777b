package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"routeforge/internal/workspace"
)

const (
	// EnvPrefix marks environment overrides.
	EnvPrefix = "ROUTEFORGE_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Load builds the configuration from defaults, the YAML file at path (when it
// exists), and ROUTEFORGE_* environment variables, in increasing precedence.
//
// Environment variables map to keys by lower-casing and turning a double
// underscore into a dot:
//
//	ROUTEFORGE_ROUTER__EXPLORATION_RATE -> router.exploration_rate
//	ROUTEFORGE_HTTP__ADDR               -> http.addr
//	ROUTEFORGE_DATA_DIR                 -> data_dir
//
// Relative ledger, catalog and evidence paths are resolved against data_dir.
func Load(path string) (*Config, error) {
	var content []byte
	if path != "" {
		data, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		content = data
	}
	return parse(content)
}

func parse(content []byte) (*Config, error) {
	k := koanf.New(".")

	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func applyDefaults(cfg *Config) error {
	if cfg.DataDir == "" {
		cfg.DataDir = workspace.DefaultRoot()
	}
	ws, err := workspace.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("data_dir: %w", err)
	}
	cfg.DataDir = ws.Root

	resolve := func(p *string, fallback string) error {
		if *p == "" {
			*p = fallback
			return nil
		}
		abs, err := ws.ResolvePath(*p)
		if err != nil {
			return err
		}
		*p = abs
		return nil
	}
	if err := resolve(&cfg.Ledger.Path, ws.LedgerPath); err != nil {
		return fmt.Errorf("ledger.path: %w", err)
	}
	if err := resolve(&cfg.Catalog, ws.CatalogPath); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	if err := resolve(&cfg.Evidence, ws.EvidencePath); err != nil {
		return fmt.Errorf("evidence: %w", err)
	}

	if cfg.Router.Strategy == "" {
		cfg.Router.Strategy = Default().Router.Strategy
	}
	if cfg.Tracker.SubjectPrefix == "" {
		cfg.Tracker.SubjectPrefix = Default().Tracker.SubjectPrefix
	}
	return nil
}
