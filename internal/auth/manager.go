package auth

import (
	"errors"
	"fmt"
	"os"

	"github.com/dl-alexandre/dbxsync/internal/config"
	"github.com/dl-alexandre/dbxsync/internal/utils"
	"github.com/zalando/go-keyring"
	"golang.org/x/oauth2"
)

// Source says where a credential was found
type Source string

const (
	SourceNone    Source = ""
	SourceEnv     Source = "env"
	SourceKeyring Source = "keyring"
	SourceConfig  Source = "config"
)

// SecretNames are the secrets dbxsync keeps in its store
var SecretNames = []string{
	utils.KeyringDropboxToken,
	utils.KeyringDropboxRefresh,
	utils.KeyringIndexPassword,
}

// secretEnv maps a secret name to the environment variable that overrides it
var secretEnv = map[string]string{
	utils.KeyringDropboxToken:   config.EnvPrefix + "DROPBOX_TOKEN",
	utils.KeyringDropboxRefresh: config.EnvPrefix + "DROPBOX_REFRESH_TOKEN",
	utils.KeyringIndexPassword:  config.EnvPrefix + "INDEX_PASSWORD",
}

// Credentials are the resolved secrets for one run
type Credentials struct {
	AccessToken   string
	RefreshToken  string
	AppKey        string
	AppSecret     string
	IndexUsername string
	IndexPassword string
	Sources       map[string]Source
}

// CanRefresh reports whether an OAuth2 refresh is possible
func (c *Credentials) CanRefresh() bool {
	return c.RefreshToken != "" && c.AppKey != ""
}

// SecretStatus describes one secret without revealing it
type SecretStatus struct {
	Name   string `json:"name"`
	Source Source `json:"source"`
	Set    bool   `json:"set"`
}

// Manager resolves credentials and manages the secret store
type Manager struct {
	store          Store
	storageWarning string
	endpoint       oauth2.Endpoint
	lookupEnv      func(string) (string, bool)
}

// ManagerOptions configures the auth manager
type ManagerOptions struct {
	ForceEncryptedFile bool // skip the keyring even when it works
	Store              Store
	Endpoint           oauth2.Endpoint
	LookupEnv          func(string) (string, bool)
}

// NewManager creates an auth manager using the keyring when available
func NewManager(configDir string) *Manager {
	return NewManagerWithOptions(configDir, ManagerOptions{})
}

// NewManagerWithOptions creates an auth manager with specific options
func NewManagerWithOptions(configDir string, opts ManagerOptions) *Manager {
	mgr := &Manager{
		store:     opts.Store,
		endpoint:  opts.Endpoint,
		lookupEnv: opts.LookupEnv,
	}
	if mgr.endpoint.TokenURL == "" {
		mgr.endpoint = oauth2.Endpoint{
			AuthURL:   utils.DropboxAuthURL,
			TokenURL:  utils.DropboxTokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		}
	}
	if mgr.lookupEnv == nil {
		mgr.lookupEnv = os.LookupEnv
	}

	if mgr.store == nil {
		if !opts.ForceEncryptedFile && checkKeyringAvailable() {
			mgr.store = NewKeyringStore(utils.KeyringService)
		} else {
			fs, err := NewFileStore(configDir)
			if err != nil {
				mgr.store = NewKeyringStore(utils.KeyringService)
				mgr.storageWarning = fmt.Sprintf("WARNING: Encrypted file storage unavailable (%v). Falling back to the system keyring.", err)
			} else {
				mgr.store = fs
				if !opts.ForceEncryptedFile {
					mgr.storageWarning = "INFO: System keyring not available. Using encrypted file storage."
				}
			}
		}
	}
	return mgr
}

// checkKeyringAvailable tests if system keyring is available
func checkKeyringAvailable() bool {
	testKey := utils.KeyringService + "-probe"
	if err := keyring.Set(utils.KeyringService, testKey, "probe"); err != nil {
		return false
	}
	_ = keyring.Delete(utils.KeyringService, testKey)
	return true
}

// Backend names the active secret store
func (m *Manager) Backend() string {
	return m.store.Name()
}

// StorageWarning is non-empty when the preferred store could not be used
func (m *Manager) StorageWarning() string {
	return m.storageWarning
}

// Resolve gathers credentials in order env, keyring, config. It fails with
// AUTH_REQUIRED when neither a token nor a refreshable grant is available.
func (m *Manager) Resolve(cfg *config.Config) (*Credentials, error) {
	creds := &Credentials{
		AppKey:        cfg.Dropbox.AppKey,
		AppSecret:     cfg.Dropbox.AppSecret,
		IndexUsername: cfg.Index.Username,
		Sources:       make(map[string]Source, len(SecretNames)),
	}

	fallback := map[string]string{
		utils.KeyringDropboxToken:   cfg.Dropbox.Token,
		utils.KeyringDropboxRefresh: cfg.Dropbox.RefreshToken,
		utils.KeyringIndexPassword:  cfg.Index.Password,
	}
	dst := map[string]*string{
		utils.KeyringDropboxToken:   &creds.AccessToken,
		utils.KeyringDropboxRefresh: &creds.RefreshToken,
		utils.KeyringIndexPassword:  &creds.IndexPassword,
	}

	for _, name := range SecretNames {
		value, source, err := m.lookup(name, fallback[name])
		if err != nil {
			return nil, err
		}
		*dst[name] = value
		creds.Sources[name] = source
	}

	if creds.AccessToken == "" && !creds.CanRefresh() {
		return nil, utils.NewAppError(utils.NewCLIError(utils.ErrCodeAuthRequired,
			"No Dropbox credentials found. Run 'dbxsync auth set-token' or 'dbxsync auth login' first.").
			WithContext("store", m.store.Name()).
			Build())
	}
	return creds, nil
}

// Status reports where every secret would come from
func (m *Manager) Status(cfg *config.Config) ([]SecretStatus, error) {
	fallback := map[string]string{
		utils.KeyringDropboxToken:   cfg.Dropbox.Token,
		utils.KeyringDropboxRefresh: cfg.Dropbox.RefreshToken,
		utils.KeyringIndexPassword:  cfg.Index.Password,
	}
	out := make([]SecretStatus, 0, len(SecretNames))
	for _, name := range SecretNames {
		value, source, err := m.lookup(name, fallback[name])
		if err != nil {
			return nil, err
		}
		out = append(out, SecretStatus{Name: name, Source: source, Set: value != ""})
	}
	return out, nil
}

func (m *Manager) lookup(name, fallback string) (string, Source, error) {
	if v, ok := m.lookupEnv(secretEnv[name]); ok && v != "" {
		return v, SourceEnv, nil
	}
	v, err := m.store.Get(name)
	switch {
	case err == nil && v != "":
		return v, SourceKeyring, nil
	case err != nil && !errors.Is(err, ErrSecretNotFound):
		return "", SourceNone, fmt.Errorf("failed to read %s from %s: %w", name, m.store.Name(), err)
	}
	if fallback != "" {
		return fallback, SourceConfig, nil
	}
	return "", SourceNone, nil
}

// SetSecret stores value under one of SecretNames
func (m *Manager) SetSecret(name, value string) error {
	if _, ok := secretEnv[name]; !ok {
		return utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument,
			fmt.Sprintf("unknown secret %q", name)).Build())
	}
	if value == "" {
		return utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument,
			fmt.Sprintf("empty value for %s", name)).Build())
	}
	if err := m.store.Set(name, value); err != nil {
		return fmt.Errorf("failed to store %s in %s: %w", name, m.store.Name(), err)
	}
	return nil
}

// Clear removes every stored secret and returns the names that existed
func (m *Manager) Clear() ([]string, error) {
	var removed []string
	for _, name := range SecretNames {
		err := m.store.Delete(name)
		if errors.Is(err, ErrSecretNotFound) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("failed to delete %s from %s: %w", name, m.store.Name(), err)
		}
		removed = append(removed, name)
	}
	return removed, nil
}
