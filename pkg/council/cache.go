package council

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/agenthub/hubd/pkg/models"
)

// Cache appends council outcomes to on-disk JSON files so results survive a
// daemon restart.
type Cache struct {
	mu               sync.Mutex
	discussionPath   string
	verificationPath string
}

// NewCache creates a cache over the two result files.
func NewCache(discussionPath, verificationPath string) *Cache {
	return &Cache{
		discussionPath:   discussionPath,
		verificationPath: verificationPath,
	}
}

// AppendDiscussion appends a deliberation result to the discussion cache.
func (c *Cache) AppendDiscussion(result *DiscussionResult) error {
	return c.append(c.discussionPath, result)
}

// AppendVerification appends a verification result to the verification cache.
func (c *Cache) AppendVerification(result *models.VerificationResult) error {
	return c.append(c.verificationPath, result)
}

// Discussions loads all cached deliberation results.
func (c *Cache) Discussions() ([]DiscussionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []DiscussionResult
	if err := c.load(c.discussionPath, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Verifications loads all cached verification results.
func (c *Cache) Verifications() ([]models.VerificationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.VerificationResult
	if err := c.load(c.verificationPath, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// append reads the existing array, appends the entry, and atomically
// replaces the file.
func (c *Cache) append(path string, entry any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var entries []json.RawMessage
	if err := c.load(path, &entries); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	entries = append(entries, data)

	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cache file: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	return nil
}

func (c *Cache) load(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read cache file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode cache file %s: %w", filepath.Base(path), err)
	}
	return nil
}
