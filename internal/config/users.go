package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"recio/pkg/types"
)

// Environment selects the exchange flavor. The value comes from the user's
// account_mode_state file, read once at boot; nothing deep in a call stack
// checks a global flag.
type Environment string

const (
	EnvDemo Environment = "demo"
	EnvProd Environment = "prod"
)

// UserPaths resolves the per-user directory tree:
//
//	users/<user_id>/
//	  user_info.json
//	  account_mode_state.json
//	  credentials/kalshi-credentials/{prod,demo}/{credentials.json, kalshi.pem}
//	  preferences/*.json
//	  accounts/
//	  trade_history/
type UserPaths struct {
	DataDir string // parent of users/
	UserID  string
}

// Root returns users/<user_id>.
func (u UserPaths) Root() string {
	return filepath.Join(u.DataDir, "users", u.UserID)
}

// InfoFile returns the path of user_info.json.
func (u UserPaths) InfoFile() string {
	return filepath.Join(u.Root(), "user_info.json")
}

// ModeFile returns the path of account_mode_state.json.
func (u UserPaths) ModeFile() string {
	return filepath.Join(u.Root(), "account_mode_state.json")
}

// CredentialsDir returns the credential directory for an environment.
func (u UserPaths) CredentialsDir(env Environment) string {
	return filepath.Join(u.Root(), "credentials", "kalshi-credentials", string(env))
}

// CredentialsFile returns credentials.json for an environment.
func (u UserPaths) CredentialsFile(env Environment) string {
	return filepath.Join(u.CredentialsDir(env), "credentials.json")
}

// PEMFile returns the private key path for an environment.
func (u UserPaths) PEMFile(env Environment) string {
	return filepath.Join(u.CredentialsDir(env), "kalshi.pem")
}

// PreferencesDir returns the preferences directory.
func (u UserPaths) PreferencesDir() string {
	return filepath.Join(u.Root(), "preferences")
}

// AccountsDir returns the accounts directory.
func (u UserPaths) AccountsDir() string {
	return filepath.Join(u.Root(), "accounts")
}

// TradeHistoryDir returns the trade history directory.
func (u UserPaths) TradeHistoryDir() string {
	return filepath.Join(u.Root(), "trade_history")
}

// EnsureTree creates the per-user directories with owner-only permissions.
func (u UserPaths) EnsureTree() error {
	dirs := []string{
		u.Root(),
		u.CredentialsDir(EnvDemo),
		u.CredentialsDir(EnvProd),
		u.PreferencesDir(),
		u.AccountsDir(),
		u.TradeHistoryDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Credentials is the parsed Kalshi credential pair for one environment.
type Credentials struct {
	KeyID   string // API key id sent in the access-key header
	PEMPath string // RSA private key used to sign requests
}

// credentialsFile is the on-disk JSON shape of credentials.json.
type credentialsFile struct {
	KeyID string `json:"key_id"`
}

// AccountMode reads the user's demo/prod selection. Missing file defaults to
// demo; real money requires an explicit opt-in on disk.
func AccountMode(u UserPaths) (Environment, error) {
	data, err := os.ReadFile(u.ModeFile())
	if err != nil {
		if os.IsNotExist(err) {
			return EnvDemo, nil
		}
		return "", fmt.Errorf("read account mode: %w", err)
	}
	var state struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return "", fmt.Errorf("parse account mode: %w", err)
	}
	switch Environment(state.Mode) {
	case EnvDemo, EnvProd:
		return Environment(state.Mode), nil
	default:
		return "", fmt.Errorf("account mode %q is not demo or prod", state.Mode)
	}
}

// LoadCredentials reads and validates the credential pair for an
// environment. The PEM must exist with mode 0600; looser permissions are a
// config error because the key signs real orders.
func LoadCredentials(u UserPaths, env Environment) (*Credentials, error) {
	credPath := u.CredentialsFile(env)
	data, err := os.ReadFile(credPath)
	if err != nil {
		return nil, types.ConfigMissingf("kalshi credentials %s", credPath)
	}
	var cf credentialsFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", credPath, err)
	}
	if cf.KeyID == "" {
		return nil, types.ConfigMissingf("key_id in %s", credPath)
	}

	pemPath := u.PEMFile(env)
	info, err := os.Stat(pemPath)
	if err != nil {
		return nil, types.ConfigMissingf("kalshi private key %s", pemPath)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return nil, fmt.Errorf("private key %s has mode %o, want 0600", pemPath, perm)
	}

	return &Credentials{KeyID: cf.KeyID, PEMPath: pemPath}, nil
}
