package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const ConfigFileName = "rexec.yaml"

// VaultKeyEnv supplies the vault key when the config names none.
const VaultKeyEnv = "REXEC_VAULT_KEY"

type Config struct {
	Database string      `yaml:"database"`
	Catalog  string      `yaml:"catalog,omitempty"`
	Vault    VaultConfig `yaml:"vault"`
	SSH      SSHConfig   `yaml:"ssh"`
	Log      LogConfig   `yaml:"log"`

	// MissingEnv lists ${VAR} references that resolved to nothing.
	MissingEnv []string `yaml:"-"`
	// Dir is the directory of the loaded file; relative paths are resolved against it.
	Dir string `yaml:"-"`
}

type VaultConfig struct {
	Key     string `yaml:"key,omitempty"`
	KeyFile string `yaml:"key_file,omitempty"`
}

type SSHConfig struct {
	ConnectTimeout        Duration `yaml:"connect_timeout"`
	KillGrace             Duration `yaml:"kill_grace"`
	KnownHosts            string   `yaml:"known_hosts,omitempty"`
	InsecureIgnoreHostKey bool     `yaml:"insecure_ignore_host_key"`
	Parallel              int      `yaml:"parallel"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Duration accepts Go duration strings ("10s") or plain seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	if v, err := time.ParseDuration(s); err == nil {
		*d = Duration(v)
		return nil
	}
	var secs int
	if err := n.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) { return time.Duration(d).String(), nil }

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Database == "" {
		cfg.Database = "rexec.db"
	}
	if cfg.SSH.ConnectTimeout == 0 {
		cfg.SSH.ConnectTimeout = Duration(10 * time.Second)
	}
	if cfg.SSH.KillGrace == 0 {
		cfg.SSH.KillGrace = Duration(2 * time.Second)
	}
	if cfg.SSH.Parallel == 0 {
		cfg.SSH.Parallel = 4
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stderr"
	}
}

// ValidateConfig validates the configuration for required fields and file paths
func ValidateConfig(cfg *Config) error {
	var validationErrors []string

	if strings.TrimSpace(cfg.Database) == "" {
		validationErrors = append(validationErrors, "database cannot be empty")
	}
	if cfg.Vault.Key != "" && cfg.Vault.KeyFile != "" {
		validationErrors = append(validationErrors, "vault: set either key or key_file, not both")
	}
	if cfg.Vault.KeyFile != "" {
		if _, err := os.Stat(cfg.Vault.KeyFile); err != nil {
			validationErrors = append(validationErrors, fmt.Sprintf("vault: key_file not readable: %s", cfg.Vault.KeyFile))
		}
	}
	if cfg.SSH.ConnectTimeout < 0 {
		validationErrors = append(validationErrors, "ssh: connect_timeout cannot be negative")
	}
	if cfg.SSH.KillGrace < 0 {
		validationErrors = append(validationErrors, "ssh: kill_grace cannot be negative")
	}
	if cfg.SSH.Parallel < 1 {
		validationErrors = append(validationErrors, "ssh: parallel must be at least 1")
	}
	if cfg.SSH.KnownHosts == "" && !cfg.SSH.InsecureIgnoreHostKey {
		validationErrors = append(validationErrors, "ssh: set known_hosts or insecure_ignore_host_key: true")
	}
	if cfg.SSH.KnownHosts != "" {
		if _, err := os.Stat(cfg.SSH.KnownHosts); err != nil {
			validationErrors = append(validationErrors, fmt.Sprintf("ssh: known_hosts not readable: %s", cfg.SSH.KnownHosts))
		}
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		validationErrors = append(validationErrors, fmt.Sprintf("log: invalid level '%s' (must be debug, info, warn or error)", cfg.Log.Level))
	}
	switch cfg.Log.Format {
	case "json", "console":
	default:
		validationErrors = append(validationErrors, fmt.Sprintf("log: invalid format '%s' (must be json or console)", cfg.Log.Format))
	}

	if len(validationErrors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(validationErrors, "\n"))
	}
	return nil
}

// LoadAndValidateConfigWithPath loads, interpolates and validates the config at path.
func LoadAndValidateConfigWithPath(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s not found", configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfgDir := filepath.Dir(configPath)
	envMap, err := LoadDotEnvIfExists(cfgDir)
	if err != nil {
		return nil, err
	}
	rendered, missing := InterpolateEnv(string(data), envMap)

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(rendered)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	cfg.MissingEnv = missing
	cfg.Dir = cfgDir
	applyDefaults(&cfg)
	if cfg.Vault.Key == "" && cfg.Vault.KeyFile == "" {
		if v, ok := lookupEnv(VaultKeyEnv, envMap); ok {
			cfg.Vault.Key = v
		}
	}
	cfg.Database = resolve(cfgDir, cfg.Database)
	cfg.Catalog = resolve(cfgDir, cfg.Catalog)
	cfg.Vault.KeyFile = resolve(cfgDir, cfg.Vault.KeyFile)
	cfg.SSH.KnownHosts = resolve(cfgDir, cfg.SSH.KnownHosts)
	if cfg.Log.Output != "stderr" && cfg.Log.Output != "stdout" {
		cfg.Log.Output = resolve(cfgDir, cfg.Log.Output)
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolve makes p absolute relative to dir, expanding a leading ~.
func resolve(dir, p string) string {
	if p == "" {
		return ""
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// LoadDotEnvIfExists reads dir/.env. A missing file yields an empty map.
func LoadDotEnvIfExists(dir string) (map[string]string, error) {
	envPath := filepath.Join(dir, ".env")
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	m, err := godotenv.Read(envPath)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", envPath, err)
	}
	return m, nil
}

var envRefRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func lookupEnv(name string, envMap map[string]string) (string, bool) {
	if v := os.Getenv(name); v != "" {
		return v, true
	}
	v, ok := envMap[name]
	return v, ok && v != ""
}

// InterpolateEnv replaces ${VAR} occurrences in the input text. Precedence: OS env > envMap.
// Bare $VAR is left alone. Unset variables become empty and are returned in missing.
func InterpolateEnv(input string, envMap map[string]string) (string, []string) {
	var missing []string
	out := envRefRe.ReplaceAllStringFunc(input, func(ref string) string {
		name := ref[2 : len(ref)-1]
		if v, ok := lookupEnv(name, envMap); ok {
			return v
		}
		missing = append(missing, name)
		return ""
	})
	return out, missing
}
