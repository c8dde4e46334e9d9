// Package identity holds a device's stable installation identity: a device
// id minted on first use and the long-lived auth secret for its
// workstation. The auth key is a secret and must never be logged.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

type Identity struct {
	DeviceID string `json:"deviceId"`
	TunnelID string `json:"tunnelId"`
	AuthKey  string `json:"authKey"`
}

var ErrNoCredentials = errors.New("identity: no credentials stored")

// FileStore persists the identity as a JSON file with atomic replace, so a
// crash mid-write never corrupts existing credentials.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Get returns the stored identity, or ErrNoCredentials if none exists.
func (s *FileStore) Get() (Identity, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Identity{}, ErrNoCredentials
		}
		return Identity{}, err
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return Identity{}, fmt.Errorf("identity: parse %s: %w", s.path, err)
	}
	if id.DeviceID == "" || id.AuthKey == "" {
		return Identity{}, ErrNoCredentials
	}
	return id, nil
}

func (s *FileStore) Set(id Identity) error {
	if id.DeviceID == "" || id.AuthKey == "" {
		return errors.New("identity: incomplete credentials")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

func (s *FileStore) Clear() error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// LoadOrCreate returns the stored identity, minting a fresh device id on
// first use. The tunnel id and auth key come from onboarding (QR or magic
// link, out of scope here) and are passed by the caller.
func LoadOrCreate(store *FileStore, tunnelID, authKey string) (Identity, error) {
	id, err := store.Get()
	if err == nil {
		changed := false
		if tunnelID != "" && tunnelID != id.TunnelID {
			id.TunnelID = tunnelID
			changed = true
		}
		if authKey != "" && authKey != id.AuthKey {
			id.AuthKey = authKey
			changed = true
		}
		if changed {
			if err := store.Set(id); err != nil {
				return Identity{}, err
			}
		}
		return id, nil
	}
	if !errors.Is(err, ErrNoCredentials) {
		return Identity{}, err
	}
	if authKey == "" {
		return Identity{}, ErrNoCredentials
	}

	id = Identity{DeviceID: uuid.NewString(), TunnelID: tunnelID, AuthKey: authKey}
	if err := store.Set(id); err != nil {
		return Identity{}, err
	}
	return id, nil
}
