package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dl-alexandre/dbxsync/internal/config"
	"github.com/dl-alexandre/dbxsync/internal/logging"
	"github.com/dl-alexandre/dbxsync/internal/types"
	"github.com/dl-alexandre/dbxsync/internal/utils"
	"github.com/dl-alexandre/dbxsync/pkg/version"
	"github.com/spf13/cobra"
)

var (
	globalFlags    types.GlobalFlags
	logger         logging.Logger = logging.NewNoOpLogger()
	debugTransport *logging.DebugTransport
	loadedConfig   *config.Config
	configErr      error
)

var rootCmd = &cobra.Command{
	Use:   "dbxsync",
	Short: "Mirror Dropbox team folder metadata into a search index",
	Long: `dbxsync walks every active Dropbox team folder, upserts one document per
file and folder into an Elasticsearch-compatible index, and tombstones the
documents whose files are gone.

All commands support JSON output for automation and scripting.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := validateGlobalFlags(); err != nil {
			return err
		}

		loadedConfig, configErr = config.Load(globalFlags.Config)

		logConfig := logging.LogConfig{
			Level:           logging.INFO,
			OutputFile:      globalFlags.LogFile,
			EnableConsole:   !globalFlags.Quiet,
			EnableDebug:     globalFlags.Debug,
			RedactSensitive: true,
			EnableColor:     true,
			EnableTimestamp: true,
			MaxFileSize:     100 * 1024 * 1024,
			MaxBackups:      5,
			Writer:          os.Stderr,
		}
		if loadedConfig != nil {
			logConfig.Level = logging.ParseLevel(loadedConfig.LogLevel)
			logConfig.EnableColor = loadedConfig.ColorOutput
			if logConfig.OutputFile == "" {
				logConfig.OutputFile = loadedConfig.LogFile
			}
			if loadedConfig.LogLevel == "quiet" {
				logConfig.EnableConsole = false
			}
		}
		if globalFlags.Verbose {
			logConfig.Level = logging.DEBUG
		}
		if globalFlags.OutputFormat == types.OutputFormatJSON && !globalFlags.Verbose && !globalFlags.Debug {
			logConfig.EnableConsole = false
		}

		var err error
		logger, debugTransport, err = logging.NewDebugLoggerWithTransport(logConfig)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "Print the version, commit and build information of dbxsync",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := GetGlobalFlags()
		if flags.OutputFormat == types.OutputFormatJSON {
			out := NewOutputWriter(flags.OutputFormat, flags.Quiet, flags.Verbose)
			return out.WriteSuccess("version", version.Get())
		}
		fmt.Println(version.Get().String())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalFlags.Config, "config", "", "Path to configuration file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar((*string)(&globalFlags.OutputFormat), "output", "table", "Output format (json, table)")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Quiet, "quiet", "q", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.Debug, "debug", false, "Log every HTTP exchange")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogFile, "log-file", "", "Path to a rotated JSON log file")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.JSON, "json", false, "Output in JSON format (alias for --output json)")

	rootCmd.AddCommand(versionCmd)
}

func validateGlobalFlags() error {
	if globalFlags.JSON {
		globalFlags.OutputFormat = types.OutputFormatJSON
	}

	if globalFlags.OutputFormat != types.OutputFormatJSON && globalFlags.OutputFormat != types.OutputFormatTable {
		return utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid output format: %s", globalFlags.OutputFormat)).Build())
	}
	return nil
}

// Execute runs the root command and returns the process exit code
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return utils.ExitSuccess
	}

	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if appErr, ok := utils.AsAppError(err); ok {
		return utils.GetExitCode(appErr.CLIError.Code)
	}
	// flag and argument errors from cobra
	return utils.ExitInvalidArgument
}

// GetGlobalFlags returns the global flags
func GetGlobalFlags() types.GlobalFlags {
	return globalFlags
}

// GetLogger returns the global logger
func GetLogger() logging.Logger {
	return logger
}

// requireConfig returns the loaded configuration or the reason it failed
func requireConfig() (*config.Config, error) {
	if configErr != nil {
		return nil, utils.WrapAppError(utils.NewCLIError(utils.ErrCodeInvalidConfig, configErr.Error()).Build(), configErr)
	}
	if loadedConfig == nil {
		return nil, utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidConfig, "configuration not loaded").Build())
	}
	return loadedConfig, nil
}

func getConfigDir() string {
	dir, err := config.GetConfigDir()
	if err != nil {
		return ".dbxsync"
	}
	return dir
}
