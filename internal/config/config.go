// Package config loads and hot-reloads the agent's TOML configuration
// per spec.md section 6's CLI surface: a positional config-file
// argument plus --account-token, --machine-name, --api-server,
// --assignment-servers, --open-web-control, --verbosity, --log.
//
// Grounded on the teacher's am/load.go precedence chain (system < user
// < project < env vars < flags, merged highest-wins) and am/watcher.go's
// fsnotify-based reload, trimmed of the QNTX plugin-config machinery
// this domain has no use for.
package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/foldlattice/agent/internal/errs"
)

// machineNameRE is spec.md's machine-name validation pattern.
var machineNameRE = regexp.MustCompile(`^[^<>;&'"]{1,64}$`)

// validCauses is the closed CausePref enum carried over from
// CausePref.h, case-folded to upper at validation time.
var validCauses = map[string]bool{
	"ANY":           true,
	"ALZHEIMERS":    true,
	"CANCER":        true,
	"HUNTINGTONS":   true,
	"PARKINSONS":    true,
	"COVID_19":      true,
	"HIGH_PRIORITY": true,
}

// Config is the agent's full runtime configuration, unmarshaled
// directly from viper. Fields map 1:1 onto the `config` KV table plus
// the flags/positional arg spec.md section 6 names.
type Config struct {
	User           string `mapstructure:"user"`
	Team           int    `mapstructure:"team"`
	Passkey        string `mapstructure:"passkey"`
	Cause          string `mapstructure:"cause"`
	MachineName    string `mapstructure:"machine_name"`
	AccountToken   string `mapstructure:"account_token"`

	APIServer          string   `mapstructure:"api_server"`
	AssignmentServers  []string `mapstructure:"assignment_servers"`
	OpenWebControl     bool     `mapstructure:"open_web_control"`
	Verbosity          int      `mapstructure:"verbosity"`
	LogPath            string   `mapstructure:"log"`

	DataDir string `mapstructure:"data_dir"`
}

// Validate enforces the invariants spec.md section 6 attaches to the
// CLI surface.
func (c *Config) Validate() error {
	if c.MachineName != "" && !machineNameRE.MatchString(c.MachineName) {
		return errs.Newf("machine name %q does not match required pattern", c.MachineName)
	}
	if c.Passkey != "" && !isValidPasskey(c.Passkey) {
		return errs.Newf("passkey must be 32 lowercase hex characters")
	}
	if c.Cause != "" && !validCauses[strings.ToUpper(c.Cause)] {
		return errs.Newf("cause %q is not a recognized cause preference", c.Cause)
	}
	return nil
}

// isValidPasskey implements the PasskeyConstraint supplemented from
// original_source/: 32 lowercase hex characters.
func isValidPasskey(p string) bool {
	if len(p) != 32 {
		return false
	}
	for _, r := range p {
		if !(r >= '0' && r <= '9') && !(r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

// Loader owns the viper instance and the fsnotify watch on the active
// config file, mirroring the teacher's am.Load/am.ConfigWatcher split.
type Loader struct {
	v          *viper.Viper
	configPath string
	watcher    *Watcher
}

// SetDefaults installs the agent's zero-config defaults.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("api_server", "https://assign.foldingathome.org")
	v.SetDefault("open_web_control", false)
	v.SetDefault("verbosity", 2)
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("team", 0)
	v.SetDefault("cause", "ANY")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fahagent"
	}
	return filepath.Join(home, ".fahagent")
}

// Load builds a Loader from the positional config path (may be empty,
// in which case the standard search path is used) and CLI overrides.
// Precedence, lowest to highest: defaults < system config < user
// config < project/positional config < environment < explicit
// overrides (flags).
func Load(configPath string, overrides map[string]interface{}) (*Config, *Loader, error) {
	v := viper.New()

	v.SetEnvPrefix("FAHAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	resolvedPath := configPath
	if resolvedPath == "" {
		resolvedPath = findDefaultConfig()
	}
	mergeConfigFiles(v, resolvedPath)

	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, errs.Wrap(err, "failed to unmarshal configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return &cfg, &Loader{v: v, configPath: resolvedPath}, nil
}

// findDefaultConfig looks for config.toml under the default data
// directory, the single-file layout spec.md's CLI assumes when no
// positional argument is given.
func findDefaultConfig() string {
	path := filepath.Join(defaultDataDir(), "config.toml")
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}

// mergeConfigFiles merges system, user, and the resolved config path
// in ascending precedence, the same "read each file into a scratch
// viper, then copy every key into the main one" idiom as the teacher's
// mergeConfigFiles, because viper.MergeInConfig does not let two TOML
// files of different schemas compose predictably across runs. Keys
// are copied with SetDefault so environment variables and explicit
// overrides still outrank every file.
func mergeConfigFiles(v *viper.Viper, resolvedPath string) {
	paths := []string{"/etc/fahagent/config.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".fahagent", "config.toml"))
	}
	if resolvedPath != "" {
		paths = append(paths, resolvedPath)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		scratch := viper.New()
		scratch.SetConfigFile(path)
		scratch.SetConfigType("toml")
		if err := scratch.ReadInConfig(); err != nil {
			continue
		}
		for key, value := range scratch.AllSettings() {
			v.SetDefault(key, value)
		}
	}
}

// Viper exposes the underlying instance for components (account, kv)
// that need raw key access the Config struct doesn't model.
func (l *Loader) Viper() *viper.Viper { return l.v }

// ConfigPath returns the file path this Loader resolved to, which may
// be empty if none was found or supplied.
func (l *Loader) ConfigPath() string { return l.configPath }

// Watch starts an fsnotify watch on the resolved config file and
// invokes fn with the freshly reloaded Config on every change. Watch
// is a no-op (returns nil, nil) if no config file was resolved, since
// there is nothing to watch.
func (l *Loader) Watch(fn func(*Config)) (*Watcher, error) {
	if l.configPath == "" {
		return nil, nil
	}
	w, err := newWatcher(l.configPath, func() {
		scratch := viper.New()
		scratch.SetConfigFile(l.configPath)
		scratch.SetConfigType("toml")
		if err := scratch.ReadInConfig(); err != nil {
			return
		}
		for key, value := range scratch.AllSettings() {
			l.v.SetDefault(key, value)
		}
		var cfg Config
		if err := l.v.Unmarshal(&cfg); err != nil {
			return
		}
		if err := cfg.Validate(); err != nil {
			return
		}
		fn(&cfg)
	})
	if err != nil {
		return nil, err
	}
	l.watcher = w
	return w, nil
}

// WriteFile persists cfg as TOML to path, creating the parent
// directory if needed.
func WriteFile(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errs.Wrapf(err, "failed to create config directory %s", dir)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errs.Wrapf(err, "failed to create config file %s", path)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return errs.Wrap(err, "failed to encode config as TOML")
	}
	return nil
}
