package cli

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"

	"github.com/dl-alexandre/dbxsync/internal/auth"
	"github.com/dl-alexandre/dbxsync/internal/utils"
	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage Dropbox and index credentials",
	Long: `Credentials are resolved in order: environment variables, the system
keyring (or an encrypted file when no keyring is available), then the
configuration file.`,
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authorize dbxsync with a Dropbox app and store a refresh token",
	Args:  cobra.NoArgs,
	RunE:  runAuthLogin,
}

var authSetTokenCmd = &cobra.Command{
	Use:   "set-token",
	Short: "Store a Dropbox access token read from stdin",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAuthSetSecret(cmd, "auth.set-token", utils.KeyringDropboxToken)
	},
}

var authSetRefreshCmd = &cobra.Command{
	Use:   "set-refresh-token",
	Short: "Store a Dropbox refresh token read from stdin",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAuthSetSecret(cmd, "auth.set-refresh-token", utils.KeyringDropboxRefresh)
	},
}

var authSetIndexPasswordCmd = &cobra.Command{
	Use:   "set-index-password",
	Short: "Store the index password read from stdin",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAuthSetSecret(cmd, "auth.set-index-password", utils.KeyringIndexPassword)
	},
}

var authClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every stored secret",
	Args:  cobra.NoArgs,
	RunE:  runAuthClear,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show where each credential comes from",
	Args:  cobra.NoArgs,
	RunE:  runAuthStatus,
}

var (
	authAppKey    string
	authAppSecret string
	authPort      int
	authNoBrowser bool
)

func init() {
	authLoginCmd.Flags().StringVar(&authAppKey, "app-key", "", "Dropbox app key (default from config)")
	authLoginCmd.Flags().StringVar(&authAppSecret, "app-secret", "", "Dropbox app secret; not needed for PKCE")
	authLoginCmd.Flags().IntVar(&authPort, "port", 0, "Receive the redirect on 127.0.0.1:<port>; 0 pastes the code instead")
	authLoginCmd.Flags().BoolVar(&authNoBrowser, "no-browser", false, "Do not try to open a browser")

	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authSetTokenCmd)
	authCmd.AddCommand(authSetRefreshCmd)
	authCmd.AddCommand(authSetIndexPasswordCmd)
	authCmd.AddCommand(authClearCmd)
	authCmd.AddCommand(authStatusCmd)
	rootCmd.AddCommand(authCmd)
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	flags := GetGlobalFlags()
	out := NewOutputWriter(flags.OutputFormat, flags.Quiet, flags.Verbose)

	appKey, appSecret := authAppKey, authAppSecret
	if cfg, err := requireConfig(); err == nil {
		if appKey == "" {
			appKey = cfg.Dropbox.AppKey
		}
		if appSecret == "" {
			appSecret = cfg.Dropbox.AppSecret
		}
	}
	if appKey == "" {
		return out.WriteError("auth.login", utils.NewCLIError(utils.ErrCodeInvalidArgument,
			"an app key is required; pass --app-key or set dropbox.appKey").Build())
	}

	mgr := auth.NewManager(getConfigDir())
	opts := auth.LoginOptions{
		AppKey:    appKey,
		AppSecret: appSecret,
		Port:      authPort,
		In:        cmd.InOrStdin(),
		Out:       cmd.ErrOrStderr(),
	}
	if !authNoBrowser {
		opts.OpenBrowser = openBrowser
	}
	token, err := mgr.Login(cmd.Context(), opts)
	if err != nil {
		return out.Fail("auth.login", err)
	}

	return out.WriteSuccess("auth.login", map[string]interface{}{
		"store":     mgr.Backend(),
		"expiresAt": token.Expiry,
		"hint":      fmt.Sprintf("keep dropbox.appKey=%s in the config so the token can be refreshed", appKey),
	})
}

func runAuthSetSecret(cmd *cobra.Command, command, name string) error {
	flags := GetGlobalFlags()
	out := NewOutputWriter(flags.OutputFormat, flags.Quiet, flags.Verbose)

	out.Log("Reading %s from stdin", name)
	value, err := readSecret(cmd.InOrStdin())
	if err != nil {
		return out.Fail(command, err)
	}

	mgr := auth.NewManager(getConfigDir())
	if err := mgr.SetSecret(name, value); err != nil {
		return out.Fail(command, err)
	}
	return out.WriteSuccess(command, map[string]string{"secret": name, "store": mgr.Backend()})
}

func runAuthClear(cmd *cobra.Command, args []string) error {
	flags := GetGlobalFlags()
	out := NewOutputWriter(flags.OutputFormat, flags.Quiet, flags.Verbose)

	mgr := auth.NewManager(getConfigDir())
	removed, err := mgr.Clear()
	if err != nil {
		return out.Fail("auth.clear", err)
	}
	if removed == nil {
		removed = []string{}
	}
	return out.WriteSuccess("auth.clear", map[string]interface{}{"removed": removed, "store": mgr.Backend()})
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	flags := GetGlobalFlags()
	out := NewOutputWriter(flags.OutputFormat, flags.Quiet, flags.Verbose)

	cfg, err := requireConfig()
	if err != nil {
		return out.Fail("auth.status", err)
	}
	mgr := auth.NewManager(getConfigDir())
	if w := mgr.StorageWarning(); w != "" {
		out.AddWarning("SECRET_STORE", w, "info")
	}
	statuses, err := mgr.Status(cfg)
	if err != nil {
		return out.Fail("auth.status", err)
	}
	return out.WriteSuccess("auth.status", secretStatusList(statuses))
}

type secretStatusList []auth.SecretStatus

func (l secretStatusList) Headers() []string { return []string{"Secret", "Set", "Source"} }

func (l secretStatusList) Rows() [][]string {
	rows := make([][]string, len(l))
	for i, s := range l {
		set, source := "no", "-"
		if s.Set {
			set, source = "yes", string(s.Source)
		}
		rows[i] = []string{s.Name, set, source}
	}
	return rows
}

func (l secretStatusList) EmptyMessage() string { return "No secrets" }

func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	value := strings.TrimSpace(line)
	if value == "" {
		return "", utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument, "no value on stdin").Build())
	}
	return value, nil
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform")
	}
	return cmd.Start()
}
