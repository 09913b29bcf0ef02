package secretstore

import (
	"fmt"
	"os"
	"path/filepath"
)

// KeyFilePerms matches the restrictive permissions the config package
// uses for the session config file itself.
const KeyFilePerms = 0600

// LoadOrCreateKey reads a 32-byte key from path, generating and
// persisting one on first run. The CLI never prompts for a
// passphrase (spec.md §6's flag surface has none), so the key is
// machine/user-local rather than derived from anything memorized.
func LoadOrCreateKey(path string) (*Cipher, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return NewCipher(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("secretstore: reading key file: %w", err)
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("secretstore: creating key directory: %w", err)
	}
	if err := os.WriteFile(path, key, KeyFilePerms); err != nil {
		return nil, fmt.Errorf("secretstore: writing key file: %w", err)
	}

	return NewCipher(key)
}
