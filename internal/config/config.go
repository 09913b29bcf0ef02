// Package config persists a SessionConfig as a single JSON document
// under the user's config directory, encrypting secret fields at rest
// via internal/secretstore (SPEC_FULL.md §4.I).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/JoursBleu/ssh-tunnel/internal/model"
	"github.com/JoursBleu/ssh-tunnel/internal/secretstore"
)

const (
	// DefaultConfigDirName is relative to os.UserConfigDir().
	DefaultConfigDirName = "sshtunnelvpn"
	DefaultConfigFile    = "config.json"
	DefaultKeyFile       = "key"
	DefaultFilePerms     = 0600
)

// document is the on-disk JSON shape. Secret fields are stored
// encrypted (hex-encoded AES-256-GCM output from internal/secretstore)
// rather than in the clear, and decrypted back into model.SessionConfig
// only in memory.
type document struct {
	TargetHost string `json:"targetHost"`
	TargetPort uint16 `json:"targetPort"`
	TargetUser string `json:"targetUser"`

	TargetPasswordEnc string `json:"targetPasswordEnc,omitempty"`
	TargetKeyPath     string `json:"targetKeyPath,omitempty"`
	TargetKeyPassEnc  string `json:"targetKeyPassphraseEnc,omitempty"`

	Jump *jumpDocument `json:"jump,omitempty"`

	SocksPort         uint16 `json:"socksPort"`
	HTTPPort          uint16 `json:"httpPort"`
	ManageSystemProxy bool   `json:"manageSystemProxy"`

	KnownHostsMode bool   `json:"knownHostsMode"`
	KnownHostsPath string `json:"knownHostsPath,omitempty"`
}

type jumpDocument struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
	User string `json:"user"`

	PasswordEnc string `json:"passwordEnc,omitempty"`
	KeyPath     string `json:"keyPath,omitempty"`
	KeyPassEnc  string `json:"keyPassphraseEnc,omitempty"`
}

// Manager owns one config file path and the cipher used to
// encrypt/decrypt its secret fields.
type Manager struct {
	configPath string
	cipher     *secretstore.Cipher
}

// NewManager constructs a Manager rooted at configPath. If
// configPath is empty, DefaultConfigPath() is used.
func NewManager(configPath string) (*Manager, error) {
	if configPath == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = defaultPath
	}

	keyPath := filepath.Join(filepath.Dir(configPath), DefaultKeyFile)
	cipher, err := secretstore.LoadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}

	return &Manager{configPath: configPath, cipher: cipher}, nil
}

// DefaultConfigPath returns os.UserConfigDir()/sshtunnelvpn/config.json,
// creating the directory if needed.
func DefaultConfigPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: could not determine user config dir: %w", err)
	}
	dir := filepath.Join(base, DefaultConfigDirName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("config: creating config directory: %w", err)
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// Load reads and decrypts the session config. A missing file is not
// an error: it returns the zero SessionConfig so a first run can
// proceed to the CLI's interactive prompts.
func (m *Manager) Load() (model.SessionConfig, error) {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.SessionConfig{}, nil
		}
		return model.SessionConfig{}, fmt.Errorf("config: reading file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return model.SessionConfig{}, fmt.Errorf("config: parsing file: %w", err)
	}

	return m.decode(doc)
}

// Save encrypts and writes cfg to disk with restrictive permissions.
func (m *Manager) Save(cfg model.SessionConfig) error {
	doc, err := m.encode(cfg)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0700); err != nil {
		return fmt.Errorf("config: creating config directory: %w", err)
	}
	if err := os.WriteFile(m.configPath, data, DefaultFilePerms); err != nil {
		return fmt.Errorf("config: writing file: %w", err)
	}
	return nil
}

func (m *Manager) encode(cfg model.SessionConfig) (document, error) {
	passwordEnc, err := m.cipher.Encrypt(cfg.TargetCredential.Password)
	if err != nil {
		return document{}, fmt.Errorf("config: encrypting target password: %w", err)
	}
	keyPassEnc, err := m.cipher.Encrypt(cfg.TargetCredential.KeyPassphrase)
	if err != nil {
		return document{}, fmt.Errorf("config: encrypting target key passphrase: %w", err)
	}

	doc := document{
		TargetHost:        cfg.Target.Host,
		TargetPort:        cfg.Target.Port,
		TargetUser:        cfg.TargetUser,
		TargetPasswordEnc: passwordEnc,
		TargetKeyPath:     cfg.TargetCredential.KeyPath,
		TargetKeyPassEnc:  keyPassEnc,
		SocksPort:         cfg.SocksPort,
		HTTPPort:          cfg.HTTPPort,
		ManageSystemProxy: cfg.ManageSystemProxy,
		KnownHostsMode:    cfg.KnownHostsMode,
		KnownHostsPath:    cfg.KnownHostsPath,
	}

	if cfg.Jump != nil {
		jumpPasswordEnc, err := m.cipher.Encrypt(cfg.Jump.Credential.Password)
		if err != nil {
			return document{}, fmt.Errorf("config: encrypting jump password: %w", err)
		}
		jumpKeyPassEnc, err := m.cipher.Encrypt(cfg.Jump.Credential.KeyPassphrase)
		if err != nil {
			return document{}, fmt.Errorf("config: encrypting jump key passphrase: %w", err)
		}
		doc.Jump = &jumpDocument{
			Host:        cfg.Jump.Endpoint.Host,
			Port:        cfg.Jump.Endpoint.Port,
			User:        cfg.Jump.User,
			PasswordEnc: jumpPasswordEnc,
			KeyPath:     cfg.Jump.Credential.KeyPath,
			KeyPassEnc:  jumpKeyPassEnc,
		}
	}

	return doc, nil
}

func (m *Manager) decode(doc document) (model.SessionConfig, error) {
	password, err := m.cipher.Decrypt(doc.TargetPasswordEnc)
	if err != nil {
		return model.SessionConfig{}, fmt.Errorf("config: decrypting target password: %w", err)
	}
	keyPass, err := m.cipher.Decrypt(doc.TargetKeyPassEnc)
	if err != nil {
		return model.SessionConfig{}, fmt.Errorf("config: decrypting target key passphrase: %w", err)
	}

	cfg := model.SessionConfig{
		Target:     model.Endpoint{Host: doc.TargetHost, Port: doc.TargetPort},
		TargetUser: doc.TargetUser,
		TargetCredential: model.Credential{
			Password:      password,
			KeyPath:       doc.TargetKeyPath,
			KeyPassphrase: keyPass,
		},
		SocksPort:         doc.SocksPort,
		HTTPPort:          doc.HTTPPort,
		ManageSystemProxy: doc.ManageSystemProxy,
		KnownHostsMode:    doc.KnownHostsMode,
		KnownHostsPath:    doc.KnownHostsPath,
	}

	if doc.Jump != nil {
		jumpPassword, err := m.cipher.Decrypt(doc.Jump.PasswordEnc)
		if err != nil {
			return model.SessionConfig{}, fmt.Errorf("config: decrypting jump password: %w", err)
		}
		jumpKeyPass, err := m.cipher.Decrypt(doc.Jump.KeyPassEnc)
		if err != nil {
			return model.SessionConfig{}, fmt.Errorf("config: decrypting jump key passphrase: %w", err)
		}
		cfg.Jump = &model.JumpConfig{
			Endpoint: model.Endpoint{Host: doc.Jump.Host, Port: doc.Jump.Port},
			User:     doc.Jump.User,
			Credential: model.Credential{
				Password:      jumpPassword,
				KeyPath:       doc.Jump.KeyPath,
				KeyPassphrase: jumpKeyPass,
			},
		}
	}

	return cfg, nil
}
