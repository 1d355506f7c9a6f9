// Package config holds the runner configuration, loaded from gantry.toml,
// GANTRY_* environment variables and -cfg.* flags.
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Config describes all configuration options
type Config struct {
	Store  string `default:".gantry" usage:"State directory (published packages, installs, run history)"`
	Dist   string `default:"dist" usage:"Directory scanned for built package archives"`
	Module string `usage:"Package under test; exported to steps as MODULE_NAME"`

	Install struct {
		Root string `usage:"Directory packages are installed into (defaults to <store>/packages)"`
	}

	Runner struct {
		Workers  int    `default:"0" usage:"Parallel matrix jobs (0 = one per CPU)"`
		FailFast bool   `default:"true" usage:"Cancel remaining matrix jobs once one fails"`
		Lint     bool   `default:"true" usage:"Statically check workflows before running them"`
		Runtime  string `default:"3.9" usage:"Runtime version provided by this host"`
		OS       string `usage:"OS label reported to matrix filters (defaults to the host OS)"`
	}

	Log struct {
		Level string `default:"info"`
		File  string
		JSON  bool `default:"false" usage:"Output NDJSON instead of pretty console messages"`
	}

	HTTP struct {
		Address       string `default:"127.0.0.1:8080" usage:"Address to listen on"`
		WebhookSecret string `usage:"Shared secret for webhook signature checks"`
		Queue         int    `default:"32" usage:"Pending webhook runs before new deliveries are rejected"`
	}

	Mail struct {
		From       string `usage:"Mail sender"`
		Server     string `usage:"SMTP server"`
		Port       int
		Encryption string `default:"STARTTLS" usage:"Transport encryption (STARTTLS, SSL or None)"`
		Username   string
		Password   string
		Notify     []string `usage:"Recipients for workflow failure mails"`

		Failure struct {
			Subject string `default:"[gantry] Workflow failed" usage:"Failure mail subject"`
		}
	}
}

var logLevels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// Loader initializes an empty config object and returns a new Loader for this object
func Loader() (*Config, *aconfig.Loader) {
	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix:  "GANTRY",
		FlagPrefix: "cfg",
		Files:      []string{"gantry.toml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// ApplyEnvAliases honors the two plain variables older harnesses exported:
// MODULE_NAME selects the package under test and RUN_MYPY toggles the static
// checks. The GANTRY_* variables win when both are set.
func (cfg *Config) ApplyEnvAliases() {
	if value, ok := os.LookupEnv("MODULE_NAME"); ok && cfg.Module == "" {
		cfg.Module = value
	}

	if value, ok := os.LookupEnv("RUN_MYPY"); ok {
		cfg.Runner.Lint = value == "true" || value == "1"
	}
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	if cfg.Store == "" {
		return eris.New(`Invalid value for store: must not be empty`)
	}

	if cfg.Runner.Workers < 0 {
		return eris.Errorf(`Invalid value for runner.workers: %d`, cfg.Runner.Workers)
	}

	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	switch cfg.Mail.Encryption {
	case "STARTTLS":
	case "SSL":
	case "None":
		// valid
		break
	default:
		return eris.Errorf(`Invalid value for mail.encryption: %s (must be one of STARTTLS, SSL or None)`, cfg.Mail.Encryption)
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}

// InstallRoot returns the directory packages are installed into.
func (cfg *Config) InstallRoot() string {
	if cfg.Install.Root != "" {
		return cfg.Install.Root
	}

	return filepath.Join(cfg.Store, "packages")
}

// RunnerOS returns the OS label matrix filters compare against.
func (cfg *Config) RunnerOS() string {
	if cfg.Runner.OS != "" {
		return cfg.Runner.OS
	}

	return runtime.GOOS
}
