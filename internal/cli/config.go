package cli

import (
	"fmt"
	"strings"

	"github.com/dl-alexandre/dbxsync/internal/config"
	"github.com/dl-alexandre/dbxsync/internal/utils"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  "Commands for managing the dbxsync configuration file",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  "Display the configuration after the file and environment are applied. Secrets are redacted.",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set one value in the configuration file. Lists take comma-separated values.

Keys: ` + strings.Join(config.Keys(), ", "),
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset configuration to defaults",
	Long:  "Overwrite the configuration file with the default settings",
	Args:  cobra.NoArgs,
	RunE:  runConfigReset,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration without contacting any service",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configResetCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configValidateCmd)
}

func configFilePath() (string, error) {
	if globalFlags.Config != "" {
		return globalFlags.Config, nil
	}
	return config.GetConfigPath()
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	flags := GetGlobalFlags()
	out := NewOutputWriter(flags.OutputFormat, flags.Quiet, flags.Verbose)

	cfg, err := requireConfig()
	if err != nil {
		return out.Fail("config.show", err)
	}

	redacted := *cfg
	redacted.Dropbox.Token = redact(cfg.Dropbox.Token)
	redacted.Dropbox.RefreshToken = redact(cfg.Dropbox.RefreshToken)
	redacted.Dropbox.AppSecret = redact(cfg.Dropbox.AppSecret)
	redacted.Index.Password = redact(cfg.Index.Password)
	return out.WriteSuccess("config.show", &redacted)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	flags := GetGlobalFlags()
	out := NewOutputWriter(flags.OutputFormat, flags.Quiet, flags.Verbose)

	key, value := args[0], args[1]
	path, err := configFilePath()
	if err != nil {
		return out.WriteError("config.set", utils.NewCLIError(utils.ErrCodeInvalidConfig, err.Error()).Build())
	}

	cfg, err := config.LoadFile(path)
	if err != nil {
		return out.WriteError("config.set", utils.NewCLIError(utils.ErrCodeInvalidConfig, err.Error()).Build())
	}
	if err := cfg.Set(key, value); err != nil {
		return out.WriteError("config.set", utils.NewCLIError(utils.ErrCodeInvalidArgument, err.Error()).
			WithContext("key", key).Build())
	}
	if err := cfg.Save(path); err != nil {
		return out.WriteError("config.set", utils.NewCLIError(utils.ErrCodeInvalidConfig,
			fmt.Sprintf("failed to save config: %s", err)).Build())
	}

	out.Log("Set %s in %s", key, path)
	return out.WriteSuccess("config.set", map[string]string{
		"key":   key,
		"value": value,
		"path":  path,
	})
}

func runConfigReset(cmd *cobra.Command, args []string) error {
	flags := GetGlobalFlags()
	out := NewOutputWriter(flags.OutputFormat, flags.Quiet, flags.Verbose)

	path, err := configFilePath()
	if err != nil {
		return out.WriteError("config.reset", utils.NewCLIError(utils.ErrCodeInvalidConfig, err.Error()).Build())
	}
	if err := config.DefaultConfig().Save(path); err != nil {
		return out.WriteError("config.reset", utils.NewCLIError(utils.ErrCodeInvalidConfig,
			fmt.Sprintf("failed to save config: %s", err)).Build())
	}

	out.Log("Configuration reset to defaults")
	return out.WriteSuccess("config.reset", map[string]string{"path": path})
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	flags := GetGlobalFlags()
	out := NewOutputWriter(flags.OutputFormat, flags.Quiet, flags.Verbose)

	path, err := configFilePath()
	if err != nil {
		return out.WriteError("config.path", utils.NewCLIError(utils.ErrCodeInvalidConfig, err.Error()).Build())
	}
	return out.WriteSuccess("config.path", map[string]string{"path": path})
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	flags := GetGlobalFlags()
	out := NewOutputWriter(flags.OutputFormat, flags.Quiet, flags.Verbose)

	cfg, err := requireConfig()
	if err != nil {
		return out.Fail("config.validate", err)
	}
	journalPath, err := cfg.GetJournalPath()
	if err != nil {
		return out.WriteError("config.validate", utils.NewCLIError(utils.ErrCodeInvalidConfig, err.Error()).Build())
	}
	return out.WriteSuccess("config.validate", map[string]interface{}{
		"valid":         true,
		"index":         cfg.Index.URL + "/" + cfg.Index.Name,
		"workers":       cfg.Sync.Workers,
		"failurePolicy": cfg.Sync.FailurePolicy,
		"journal":       journalPath,
	})
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
