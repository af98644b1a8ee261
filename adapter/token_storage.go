package schwab

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
)

// NewTokenStorage builds the credential store selected by cfg.Store.
func NewTokenStorage(cfg TokenConfig) (TokenStorage, error) {
	switch cfg.Store {
	case "", "file":
		return NewFileTokenStorage(cfg.FilePath)
	case "redis":
		addr := net.JoinHostPort(cfg.RedisHost, strconv.Itoa(cfg.RedisPort))
		return NewRedisTokenStorage(addr, cfg.RedisPassword, cfg.RedisDB), nil
	case "sqlite", "postgres":
		db, err := sql.Open(sqlDriverName(cfg.Store), cfg.SQLDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s token store: %w", cfg.Store, err)
		}
		return NewSQLTokenStorage(db, cfg.Store)
	default:
		return nil, fmt.Errorf("%w: unknown token store %q", ErrConfigurationFailure, cfg.Store)
	}
}

// FileTokenStorage implements TokenStorage with one JSON file per key.
type FileTokenStorage struct {
	basePath string
}

// NewFileTokenStorage creates the directory if needed.
func NewFileTokenStorage(basePath string) (*FileTokenStorage, error) {
	if basePath == "" {
		basePath = "data"
	}
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create token directory: %w", err)
	}
	return &FileTokenStorage{basePath: basePath}, nil
}

func (f *FileTokenStorage) path(key string) string {
	return filepath.Join(f.basePath, key+".json")
}

// SaveToken writes the credential with owner-only permissions.
func (f *FileTokenStorage) SaveToken(ctx context.Context, key string, cred *Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := os.WriteFile(f.path(key), data, 0600); err != nil {
		return storeUnavailable("write token file", err)
	}
	return nil
}

// LoadToken reads the credential back.
func (f *FileTokenStorage) LoadToken(ctx context.Context, key string) (*Credential, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("token file %s: %w", key, ErrTokenNotFound)
		}
		return nil, storeUnavailable("read token file", err)
	}
	return decodeCredential(data)
}

// DeleteToken removes the file. Missing files are not an error.
func (f *FileTokenStorage) DeleteToken(ctx context.Context, key string) error {
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete token file: %w", err)
	}
	return nil
}

func decodeCredential(data []byte) (*Credential, error) {
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		// An unreadable record is as good as none: the caller re-authorizes.
		return nil, fmt.Errorf("failed to unmarshal token: %w: %w", ErrTokenNotFound, err)
	}
	return &cred, nil
}
