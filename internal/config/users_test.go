package config

import (
	"errors"
	"os"
	"testing"

	"recio/pkg/types"
)

func testUserPaths(t *testing.T) UserPaths {
	t.Helper()
	u := UserPaths{DataDir: t.TempDir(), UserID: "user_0001"}
	if err := u.EnsureTree(); err != nil {
		t.Fatal(err)
	}
	return u
}

func TestAccountModeDefaultsToDemo(t *testing.T) {
	u := testUserPaths(t)

	mode, err := AccountMode(u)
	if err != nil {
		t.Fatalf("AccountMode: %v", err)
	}
	if mode != EnvDemo {
		t.Errorf("mode = %q, want demo when unset", mode)
	}
}

func TestAccountModeProd(t *testing.T) {
	u := testUserPaths(t)
	if err := os.WriteFile(u.ModeFile(), []byte(`{"mode":"prod"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	mode, err := AccountMode(u)
	if err != nil {
		t.Fatalf("AccountMode: %v", err)
	}
	if mode != EnvProd {
		t.Errorf("mode = %q, want prod", mode)
	}
}

func TestLoadCredentials(t *testing.T) {
	u := testUserPaths(t)
	if err := os.WriteFile(u.CredentialsFile(EnvDemo), []byte(`{"key_id":"abc-123"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(u.PEMFile(EnvDemo), []byte("fake pem"), 0o600); err != nil {
		t.Fatal(err)
	}

	creds, err := LoadCredentials(u, EnvDemo)
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if creds.KeyID != "abc-123" {
		t.Errorf("key id = %q", creds.KeyID)
	}
	if creds.PEMPath != u.PEMFile(EnvDemo) {
		t.Errorf("pem path = %q", creds.PEMPath)
	}
}

func TestLoadCredentialsMissing(t *testing.T) {
	u := testUserPaths(t)

	if _, err := LoadCredentials(u, EnvProd); !errors.Is(err, types.ErrConfigMissing) {
		t.Errorf("missing credentials should be a config error, got %v", err)
	}
}

func TestLoadCredentialsLoosePEMPermissions(t *testing.T) {
	u := testUserPaths(t)
	if err := os.WriteFile(u.CredentialsFile(EnvDemo), []byte(`{"key_id":"abc"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(u.PEMFile(EnvDemo), []byte("fake pem"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadCredentials(u, EnvDemo); err == nil {
		t.Error("world-readable PEM should be rejected")
	}
}
