// Package credential implements the credential file contract: a file that
// holds either a JSON OAuth token bundle (Gmail) or a single-line password
// (IMAP), with strict permission checks and atomic rewrite on refresh.
package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/oauth2"
)

// Kind discriminates the two credential file formats.
type Kind int

const (
	KindPassword Kind = iota
	KindOAuth
)

// Credential is the parsed content of a credential file.
type Credential struct {
	Kind     Kind
	Password string
	Token    *oauth2.Token

	// OAuth client settings, carried in the token bundle so that refresh
	// works without a separate client-secrets file.
	ClientID     string
	ClientSecret string
	TokenURL     string

	path string
}

// tokenBundle is the on-disk JSON format for OAuth credentials.
type tokenBundle struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
	ClientSecret string    `json:"client_secret,omitempty"`
	TokenURL     string    `json:"token_url,omitempty"`
}

// Load reads and validates a credential file. The file must be a regular
// file owned by the running user with mode 0600 or stricter.
func Load(path string) (*Credential, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("stat credential file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("credential file %s is not a regular file", path)
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return nil, fmt.Errorf("credential file %s has mode %04o; require 0600 or stricter", path, perm)
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		if int(st.Uid) != os.Getuid() {
			return nil, fmt.Errorf("credential file %s is not owned by the running user", path)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var tb tokenBundle
		if err := json.Unmarshal([]byte(trimmed), &tb); err != nil {
			return nil, fmt.Errorf("parse token bundle: %w", err)
		}
		if tb.RefreshToken == "" && tb.AccessToken == "" {
			return nil, fmt.Errorf("token bundle in %s has neither refresh_token nor access_token", path)
		}
		return &Credential{
			Kind: KindOAuth,
			Token: &oauth2.Token{
				AccessToken:  tb.AccessToken,
				RefreshToken: tb.RefreshToken,
				TokenType:    tb.TokenType,
				Expiry:       tb.Expiry,
			},
			ClientID:     tb.ClientID,
			ClientSecret: tb.ClientSecret,
			TokenURL:     tb.TokenURL,
			path:         path,
		}, nil
	}

	// Single-line password. Anything past the first line is ignored.
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	if trimmed == "" {
		return nil, fmt.Errorf("credential file %s is empty", path)
	}
	return &Credential{Kind: KindPassword, Password: trimmed, path: path}, nil
}

// Rewrite persists a refreshed OAuth token back to the credential file.
// The write is atomic (write to a temp file, then rename) and preserves
// the 0600 mode. No-op for password credentials.
func (c *Credential) Rewrite(token *oauth2.Token) error {
	if c.Kind != KindOAuth {
		return nil
	}

	tb := tokenBundle{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenURL,
	}
	if tb.RefreshToken == "" {
		// Refresh responses may omit the refresh token; keep the old one.
		tb.RefreshToken = c.Token.RefreshToken
	}

	data, err := json.MarshalIndent(tb, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token bundle: %w", err)
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".credential-*")
	if err != nil {
		return fmt.Errorf("create temp credential file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp credential file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp credential file: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		return fmt.Errorf("rename credential file: %w", err)
	}

	c.Token = token
	return nil
}

// Path returns the credential file path.
func (c *Credential) Path() string {
	return c.path
}
