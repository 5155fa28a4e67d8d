package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const tokenFile = "api_token"

// APIToken returns the bearer token for the HTTP API. ANNOTD_API_TOKEN wins
// when set; otherwise the token stored in the data directory is used, and
// one is generated and stored there on first use.
func APIToken(cfg Config) (string, error) {
	if cfg.API.Token != "" {
		return cfg.API.Token, nil
	}
	return loadOrCreateToken(filepath.Join(cfg.Storage.DataDir, tokenFile))
}

// ReadAPIToken returns the configured or stored token without creating one.
func ReadAPIToken(cfg Config) (string, error) {
	if cfg.API.Token != "" {
		return cfg.API.Token, nil
	}
	data, err := os.ReadFile(filepath.Join(cfg.Storage.DataDir, tokenFile))
	if err != nil {
		return "", fmt.Errorf("reading API token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func loadOrCreateToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if tok := strings.TrimSpace(string(data)); tok != "" {
			return tok, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("reading API token: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(tok+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
