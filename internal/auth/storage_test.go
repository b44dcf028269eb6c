package auth

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	testhelpers "github.com/dl-alexandre/dbxsync/internal/testing"
	"github.com/zalando/go-keyring"
)

func TestFileStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	testhelpers.AssertNoError(t, err)

	testhelpers.AssertNoError(t, store.Set("dropbox-token", "sl.secret-token"))
	testhelpers.AssertNoError(t, store.Set("index-password", "pw"))

	raw, err := os.ReadFile(filepath.Join(dir, "secrets.enc"))
	testhelpers.AssertNoError(t, err)
	if strings.Contains(string(raw), "sl.secret-token") {
		t.Error("secret stored in clear text")
	}

	info, err := os.Stat(filepath.Join(dir, "secrets.enc"))
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, info.Mode().Perm(), os.FileMode(0600))

	// a second store in the same dir reuses the key
	reopened, err := NewFileStore(dir)
	testhelpers.AssertNoError(t, err)
	v, err := reopened.Get("dropbox-token")
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, v, "sl.secret-token")

	names, err := reopened.Names()
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertStrings(t, names, []string{"dropbox-token", "index-password"})
}

func TestFileStore_NotFound(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	testhelpers.AssertNoError(t, err)

	_, err = store.Get("missing")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("Get() error = %v, want ErrSecretNotFound", err)
	}
	if err := store.Delete("missing"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("Delete() error = %v, want ErrSecretNotFound", err)
	}

	testhelpers.AssertNoError(t, store.Set("a", "1"))
	testhelpers.AssertNoError(t, store.Delete("a"))
	_, err = store.Get("a")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("Get() after Delete error = %v", err)
	}
}

func TestFileStore_WrongKey(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertNoError(t, store.Set("a", "1"))

	testhelpers.AssertNoError(t, os.Remove(filepath.Join(dir, ".keyfile")))
	other, err := NewFileStore(dir)
	testhelpers.AssertNoError(t, err)
	_, err = other.Get("a")
	testhelpers.AssertError(t, err)
}

func TestKeyringStore(t *testing.T) {
	keyring.MockInit()
	store := NewKeyringStore("dbxsync-test")

	_, err := store.Get("dropbox-token")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("Get() error = %v, want ErrSecretNotFound", err)
	}

	testhelpers.AssertNoError(t, store.Set("dropbox-token", "tok"))
	v, err := store.Get("dropbox-token")
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, v, "tok")

	testhelpers.AssertNoError(t, store.Delete("dropbox-token"))
	if err := store.Delete("dropbox-token"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("second Delete() error = %v", err)
	}
	testhelpers.AssertEqual(t, store.Name(), "system-keyring")
}
