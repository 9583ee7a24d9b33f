package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
)

// KeyringService is the OS keyring service name credentials are filed under.
const KeyringService = "claudine"

// KeyringStore keeps a credential in the OS keyring, one entry per provider.
type KeyringStore struct {
	Service string
	User    string
}

// Compile-time check to ensure KeyringStore implements Store
var _ Store = (*KeyringStore)(nil)

// NewKeyringStore returns a keyring store for the named provider.
func NewKeyringStore(provider string) *KeyringStore {
	return &KeyringStore{Service: KeyringService, User: provider}
}

// Load implements Store. A bare string entry is read as a refresh token.
func (s *KeyringStore) Load(ctx context.Context) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	secret, err := keyring.Get(s.Service, s.User)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading keyring: %w", err)
	}
	return decode([]byte(secret))
}

// Save implements Store.
func (s *KeyringStore) Save(ctx context.Context, cred Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}
	if err := keyring.Set(s.Service, s.User, string(data)); err != nil {
		return fmt.Errorf("writing keyring: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *KeyringStore) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := keyring.Delete(s.Service, s.User); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting keyring entry: %w", err)
	}
	return nil
}

// FileStore keeps a credential as a JSON file readable only by the owner.
type FileStore struct {
	Path string
}

// Compile-time check to ensure FileStore implements Store
var _ Store = (*FileStore)(nil)

// Load implements Store.
func (s *FileStore) Load(ctx context.Context) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading credential file: %w", err)
	}
	return decode(data)
}

// Save implements Store. The file is replaced atomically.
func (s *FileStore) Save(ctx context.Context, cred Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating credential directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credential-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("setting permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing credential file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("replacing credential file: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing credential file: %w", err)
	}
	return nil
}

// EnvStore reads a refresh token, access token or API key from an environment variable.
// It never persists refreshed credentials.
type EnvStore struct {
	Var       string
	LookupEnv func(string) (string, bool)
}

// Compile-time check to ensure EnvStore implements Store
var _ Store = (*EnvStore)(nil)

// Load implements Store.
func (s *EnvStore) Load(ctx context.Context) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lookup := s.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	value, ok := lookup(s.Var)
	if !ok || value == "" {
		return nil, ErrNotFound
	}
	return fromSecret(value), nil
}

// Save implements Store.
func (s *EnvStore) Save(context.Context, Credential) error { return ErrReadOnly }

// Delete implements Store.
func (s *EnvStore) Delete(context.Context) error { return ErrReadOnly }

// decode reads a stored credential. Entries written by older versions hold a bare refresh token.
func decode(data []byte) (*Credential, error) {
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		if secret := string(data); secret != "" && secret[0] != '{' {
			return fromSecret(secret), nil
		}
		return nil, fmt.Errorf("decoding credential: %w", err)
	}
	if cred.AccessToken == "" && cred.RefreshToken == "" {
		return nil, ErrNotFound
	}
	if cred.Kind == "" {
		cred.Kind = KindOf(cred.AccessToken + cred.RefreshToken)
	}
	return &cred, nil
}

func fromSecret(secret string) *Credential {
	switch {
	case strings.HasPrefix(secret, oauthRefreshPrefix):
		return &Credential{Kind: KindOAuth, RefreshToken: secret}
	case KindOf(secret) == KindOAuth:
		return &Credential{Kind: KindOAuth, AccessToken: secret}
	default:
		return &Credential{Kind: KindAPIKey, AccessToken: secret}
	}
}
