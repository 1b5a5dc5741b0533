package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/iwanhae/netblocker/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// options holds the flags shared by every command.
type options struct {
	configPath    string
	logLevel      string
	logJSON       bool
	storageDriver string
	storageDSN    string
	maxLevel      string

	logger zerolog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:          "netblocker",
		Short:        "Refuse game server connections from banned addresses",
		Long:         "netblocker checks every connecting client against the active Ban and TempBan penalties of a B3-style penalty store.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), opts.logLevel, opts.logJSON)
			if err != nil {
				return err
			}
			opts.logger = logger
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "path to the ini config file")
	pf.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.BoolVar(&opts.logJSON, "log-json", false, "write logs as JSON instead of console text")
	pf.StringVar(&opts.storageDriver, "storage-driver", "", "penalty store driver: sqlite, postgres, redis, memory, null")
	pf.StringVar(&opts.storageDSN, "storage-dsn", "", "penalty store data source name")
	pf.StringVar(&opts.maxLevel, "maxlevel", "", "highest group keyword or level subject to ban checks")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newCheckCmd(opts),
		newBansCmd(opts),
		newInitDBCmd(opts),
	)
	return rootCmd
}

func newLogger(w io.Writer, level string, asJSON bool) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if !asJSON {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// loadSettings reads the config file and applies flag overrides. Settings
// that fell back to a default are logged, never fatal.
func (o *options) loadSettings() (*config.Settings, error) {
	s, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.maxLevel != "" {
		level, err := s.Groups.Level(o.maxLevel)
		if err != nil {
			s.Warnings = append(s.Warnings, fmt.Errorf("%w: --maxlevel %q: %v", config.ErrConfigInvalid, o.maxLevel, err))
		} else {
			s.MaxLevel = level
			s.Warnings = dropMissingThreshold(s.Warnings)
		}
	}
	if o.storageDriver != "" {
		s.Storage.Driver = o.storageDriver
	}
	if o.storageDSN != "" {
		s.Storage.DSN = o.storageDSN
	}
	for _, w := range s.Warnings {
		o.logger.Warn().Err(w).Msg("using default setting")
	}
	o.logger.Debug().Int("maxlevel", s.MaxLevel).Msg("maximum level affected")
	return s, nil
}

func dropMissingThreshold(warnings []error) []error {
	out := warnings[:0]
	for _, w := range warnings {
		if !errors.Is(w, config.ErrThresholdMissing) {
			out = append(out, w)
		}
	}
	return out
}
