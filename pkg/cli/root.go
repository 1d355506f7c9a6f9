// Package cli implements the gantry command line interface. Execute loads
// the configuration, wires the logging output and dispatches to the
// subcommands.
package cli

import (
	"io"
	"os"

	"github.com/cristalhq/aconfig"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gantryci/gantry/pkg/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "Local CI runner for pipeline packages",
	Long: `gantry runs the workflow.star file of a checkout: it expands the build
matrix, executes the jobs over an embedded shell and keeps published
packages, installs and the run history in a local state directory.`,
}

func Execute() {
	initConfig()
	cobra.CheckErr(rootCmd.Execute())
}

func initConfig() {
	var loader *aconfig.Loader
	cfg, loader = config.Loader()

	if err := loader.Load(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	cfg.ApplyEnvAliases()

	if cfg.Log.JSON {
		zerolog.ErrorStackMarshaler = func(err error) interface{} {
			return eris.ToJSON(err, true)
		}
	} else {
		log.Logger = log.Output(NewConsoleWriter(os.Stderr))
		zerolog.ErrorStackMarshaler = func(err error) interface{} {
			return eris.ToString(err, true)
		}
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to parse config")
	}

	zerolog.SetGlobalLevel(cfg.LogLevel())

	if cfg.Log.File != "" {
		var logFile io.Writer
		logFile, err := os.Create(cfg.Log.File)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open log file")
		}

		if !cfg.Log.JSON {
			writer := NewConsoleWriter(logFile)
			writer.NoColor = true
			logFile = writer
		}

		log.Logger = log.Output(logFile)
	}
}
