// Package auth verifies per-account shared secrets for socket connections.
package auth

import (
	"crypto/subtle"
	"os"
	"path/filepath"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/agenthub/hubd/pkg/config"
)

// tokenCacheTTL bounds disk reads under reconnect storms. Short enough that
// token rotation takes effect within seconds.
const tokenCacheTTL = 5 * time.Second

// TokenStore looks up shared secrets from a directory of <account>.token files.
type TokenStore struct {
	dir   string
	cache *gocache.Cache
}

// NewTokenStore creates a token store over the given tokens directory.
func NewTokenStore(dir string) *TokenStore {
	return &TokenStore{
		dir:   dir,
		cache: gocache.New(tokenCacheTTL, time.Minute),
	}
}

// Verify reports whether tokenString matches the stored token for account.
// Missing file, unreadable file, and mismatch are indistinguishable to the
// caller. Comparison is constant time.
func (s *TokenStore) Verify(account, tokenString string) bool {
	if !config.ValidAccountName(account) {
		return false
	}

	stored, ok := s.cachedToken(account)
	if !ok {
		data, err := os.ReadFile(filepath.Join(s.dir, account+".token"))
		if err != nil {
			return false
		}
		stored = strings.TrimRight(string(data), " \t\r\n")
		s.cache.SetDefault(account, stored)
	}

	return subtle.ConstantTimeCompare([]byte(stored), []byte(tokenString)) == 1
}

// Invalidate drops the cached token for an account, forcing the next Verify
// to re-read the file. Used after token rotation.
func (s *TokenStore) Invalidate(account string) {
	s.cache.Delete(account)
}

func (s *TokenStore) cachedToken(account string) (string, bool) {
	v, ok := s.cache.Get(account)
	if !ok {
		return "", false
	}
	tok, ok := v.(string)
	return tok, ok
}

// WriteToken stores a token file for an account with restricted permissions.
// Used by account provisioning and tests.
func (s *TokenStore) WriteToken(account, token string) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	s.cache.Delete(account)
	return os.WriteFile(filepath.Join(s.dir, account+".token"), []byte(token+"\n"), 0o600)
}
