package auth

import (
	"testing"

	"github.com/dl-alexandre/dbxsync/internal/config"
	testhelpers "github.com/dl-alexandre/dbxsync/internal/testing"
	"github.com/dl-alexandre/dbxsync/internal/utils"
	"github.com/zalando/go-keyring"
)

// newTestManager returns a manager on the in-memory keyring with env
// lookups served from env
func newTestManager(t *testing.T, env map[string]string) *Manager {
	t.Helper()
	keyring.MockInit()
	return NewManagerWithOptions(t.TempDir(), ManagerOptions{
		Store: NewKeyringStore(utils.KeyringService),
		LookupEnv: func(name string) (string, bool) {
			v, ok := env[name]
			return v, ok
		},
	})
}

func TestResolve_Precedence(t *testing.T) {
	tests := []struct {
		name       string
		env        map[string]string
		keyring    string
		config     string
		wantToken  string
		wantSource Source
	}{
		{
			name:       "env wins",
			env:        map[string]string{"DBXSYNC_DROPBOX_TOKEN": "from-env"},
			keyring:    "from-keyring",
			config:     "from-config",
			wantToken:  "from-env",
			wantSource: SourceEnv,
		},
		{
			name:       "keyring before config",
			keyring:    "from-keyring",
			config:     "from-config",
			wantToken:  "from-keyring",
			wantSource: SourceKeyring,
		},
		{
			name:       "config fallback",
			config:     "from-config",
			wantToken:  "from-config",
			wantSource: SourceConfig,
		},
		{
			name:       "empty env is ignored",
			env:        map[string]string{"DBXSYNC_DROPBOX_TOKEN": ""},
			config:     "from-config",
			wantToken:  "from-config",
			wantSource: SourceConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := newTestManager(t, tt.env)
			if tt.keyring != "" {
				testhelpers.AssertNoError(t, mgr.SetSecret(utils.KeyringDropboxToken, tt.keyring))
			}
			cfg := config.DefaultConfig()
			cfg.Dropbox.Token = tt.config

			creds, err := mgr.Resolve(cfg)
			testhelpers.AssertNoError(t, err)
			testhelpers.AssertEqual(t, creds.AccessToken, tt.wantToken)
			testhelpers.AssertEqual(t, creds.Sources[utils.KeyringDropboxToken], tt.wantSource)
		})
	}
}

func TestResolve_RefreshGrantWithoutToken(t *testing.T) {
	mgr := newTestManager(t, nil)
	testhelpers.AssertNoError(t, mgr.SetSecret(utils.KeyringDropboxRefresh, "refresh-1"))

	cfg := config.DefaultConfig()
	cfg.Dropbox.AppKey = "app-key"
	cfg.Index.Username = "elastic"
	cfg.Index.Password = "changeme"

	creds, err := mgr.Resolve(cfg)
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, creds.CanRefresh(), true)
	testhelpers.AssertEqual(t, creds.AccessToken, "")
	testhelpers.AssertEqual(t, creds.IndexUsername, "elastic")
	testhelpers.AssertEqual(t, creds.IndexPassword, "changeme")
	testhelpers.AssertEqual(t, creds.Sources[utils.KeyringIndexPassword], SourceConfig)
}

func TestResolve_NothingConfigured(t *testing.T) {
	mgr := newTestManager(t, nil)
	cfg := config.DefaultConfig()
	// a refresh token is useless without the app key
	cfg.Dropbox.RefreshToken = "refresh-1"

	_, err := mgr.Resolve(cfg)
	testhelpers.AssertError(t, err)
	testhelpers.AssertEqual(t, utils.ErrorCode(err), utils.ErrCodeAuthRequired)
}

func TestSetSecret_Validation(t *testing.T) {
	mgr := newTestManager(t, nil)

	err := mgr.SetSecret("aws-key", "x")
	testhelpers.AssertEqual(t, utils.ErrorCode(err), utils.ErrCodeInvalidArgument)

	err = mgr.SetSecret(utils.KeyringIndexPassword, "")
	testhelpers.AssertEqual(t, utils.ErrorCode(err), utils.ErrCodeInvalidArgument)
}

func TestClear(t *testing.T) {
	mgr := newTestManager(t, nil)
	testhelpers.AssertNoError(t, mgr.SetSecret(utils.KeyringDropboxToken, "tok"))
	testhelpers.AssertNoError(t, mgr.SetSecret(utils.KeyringIndexPassword, "pw"))

	removed, err := mgr.Clear()
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertStrings(t, removed, []string{utils.KeyringDropboxToken, utils.KeyringIndexPassword})

	removed, err = mgr.Clear()
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, len(removed), 0)
}

func TestStatus(t *testing.T) {
	mgr := newTestManager(t, map[string]string{"DBXSYNC_INDEX_PASSWORD": "pw"})
	testhelpers.AssertNoError(t, mgr.SetSecret(utils.KeyringDropboxToken, "tok"))

	statuses, err := mgr.Status(config.DefaultConfig())
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, len(statuses), 3)

	want := map[string]Source{
		utils.KeyringDropboxToken:   SourceKeyring,
		utils.KeyringDropboxRefresh: SourceNone,
		utils.KeyringIndexPassword:  SourceEnv,
	}
	for _, s := range statuses {
		testhelpers.AssertEqual(t, s.Source, want[s.Name], s.Name)
		testhelpers.AssertEqual(t, s.Set, want[s.Name] != SourceNone, s.Name)
	}
}

func TestNewManager_ForceEncryptedFile(t *testing.T) {
	mgr := NewManagerWithOptions(t.TempDir(), ManagerOptions{ForceEncryptedFile: true})
	testhelpers.AssertEqual(t, mgr.Backend(), "encrypted-file")
	testhelpers.AssertEqual(t, mgr.StorageWarning(), "")
}
