package cryptocore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// KeyStore persists the process master key to a restricted file. The
// master key roots the key hierarchy for locally encrypted data at
// rest; losing the file invalidates previously sealed data, which
// surfaces later as ErrDecryptFailed.
type KeyStore struct {
	path string
}

func NewKeyStore(path string) *KeyStore {
	return &KeyStore{path: path}
}

type storedKey struct {
	MasterKey string `json:"master_key"`
}

// LoadOrCreate reads the existing key, or generates and persists a
// fresh one with 0600 permissions when none exists.
func (ks *KeyStore) LoadOrCreate() ([]byte, error) {
	data, err := os.ReadFile(ks.path)
	if err == nil {
		var stored storedKey
		if err := json.Unmarshal(data, &stored); err != nil {
			return nil, fmt.Errorf("parse key file %s: %w", ks.path, err)
		}
		key, err := base64.StdEncoding.DecodeString(stored.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("decode key file %s: %w", ks.path, err)
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("key file %s holds %d bytes, want %d", ks.path, len(key), KeySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key, err := randBytes(KeySize)
	if err != nil {
		return nil, err
	}
	if err := ks.save(key); err != nil {
		return nil, err
	}
	return key, nil
}

func (ks *KeyStore) save(key []byte) error {
	if dir := filepath.Dir(ks.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(storedKey{MasterKey: base64.StdEncoding.EncodeToString(key)}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(ks.path, data, 0600)
}
