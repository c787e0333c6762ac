package config

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/smallbiznis/erpsync/pkg/db"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

var (
	ErrCacheCorrupt    = errors.New("config_cache_corrupt")
	ErrCachePassphrase = errors.New("config_cache_passphrase_required")
)

var cacheMagic = []byte("ERPSYNC1")

const (
	cacheSaltSize = 16
	scryptN       = 1 << 15
	scryptR       = 8
	scryptP       = 1
)

// CachedConfig is the subset of configuration persisted on the host so the
// service can start without database credentials in its environment.
type CachedConfig struct {
	TenantID string    `json:"tenant_id"`
	Legacy   db.Config `json:"legacy"`
	Cloud    db.Config `json:"cloud"`
	SavedAt  time.Time `json:"saved_at"`
}

// LoadCache decrypts the cache file. A missing file is not an error and
// returns nil.
func LoadCache(path, passphrase string) (*CachedConfig, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if passphrase == "" {
		return nil, ErrCachePassphrase
	}

	header := len(cacheMagic) + cacheSaltSize + chacha20poly1305.NonceSizeX
	if len(raw) < header || !bytes.Equal(raw[:len(cacheMagic)], cacheMagic) {
		return nil, ErrCacheCorrupt
	}
	salt := raw[len(cacheMagic) : len(cacheMagic)+cacheSaltSize]
	nonce := raw[len(cacheMagic)+cacheSaltSize : header]

	aead, err := cacheCipher(passphrase, salt)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, raw[header:], cacheMagic)
	if err != nil {
		return nil, ErrCacheCorrupt
	}

	var cached CachedConfig
	if err := json.Unmarshal(plain, &cached); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheCorrupt, err)
	}
	return &cached, nil
}

// SaveCache encrypts and writes the cache file with owner-only permissions.
func SaveCache(path, passphrase string, cached CachedConfig) error {
	if passphrase == "" {
		return ErrCachePassphrase
	}
	if cached.SavedAt.IsZero() {
		cached.SavedAt = time.Now().UTC()
	}
	plain, err := json.Marshal(cached)
	if err != nil {
		return err
	}

	salt := make([]byte, cacheSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	aead, err := cacheCipher(passphrase, salt)
	if err != nil {
		return err
	}

	out := make([]byte, 0, len(cacheMagic)+len(salt)+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, cacheMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plain, cacheMagic)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

// ApplyCache fills connection settings missing from the environment.
func ApplyCache(cfg Config, cached *CachedConfig) Config {
	if cached == nil {
		return cfg
	}
	if cfg.TenantID == "" {
		cfg.TenantID = cached.TenantID
	}
	if !cfg.Legacy.HasCredentials() {
		cfg.Legacy = mergeDatabase(cfg.Legacy, cached.Legacy)
	}
	if !cfg.Cloud.HasCredentials() {
		cfg.Cloud = mergeDatabase(cfg.Cloud, cached.Cloud)
	}
	return cfg
}

func mergeDatabase(env, cached db.Config) db.Config {
	out := env
	if env.Host == "" && env.Path == "" {
		// nothing configured for this connection: the cached endpoint wins
		if cached.Type != "" {
			out.Type = cached.Type
		}
		if cached.Port != "" {
			out.Port = cached.Port
		}
		out.Host = cached.Host
		out.Path = cached.Path
	}
	if out.Database == "" {
		out.Database = cached.Database
	}
	if out.User == "" {
		out.User = cached.User
	}
	if out.Password == "" {
		out.Password = cached.Password
	}
	return out
}

func cacheCipher(passphrase string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	return chacha20poly1305.NewX(key)
}
