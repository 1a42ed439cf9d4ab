package client

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/keymint/keymint/internal/model"
)

// cachedStatus is the persisted last-known-good activation state.
type cachedStatus struct {
	Activated      bool                  `json:"activated"`
	ActivationInfo *model.ActivationInfo `json:"activation_info,omitempty"`
	SavedAt        time.Time             `json:"saved_at"`
}

// statusCache persists the last verified status to a file so the fallback
// survives process restarts. With an empty path it degrades to memory only.
// Writes are best effort; a device that cannot persist its cache still works,
// it just loses the offline fallback on restart.
type statusCache struct {
	mu   sync.Mutex
	path string
	mem  *cachedStatus
}

func newStatusCache(path string) *statusCache {
	return &statusCache{path: path}
}

func (c *statusCache) load() (cachedStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mem != nil {
		return *c.mem, true
	}
	if c.path == "" {
		return cachedStatus{}, false
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return cachedStatus{}, false
	}
	var status cachedStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return cachedStatus{}, false
	}
	c.mem = &status
	return status, true
}

func (c *statusCache) save(status cachedStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem = &status
	if c.path == "" {
		return
	}
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	_ = os.WriteFile(c.path, data, 0o600)
}

func (c *statusCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem = nil
	if c.path != "" {
		_ = os.Remove(c.path)
	}
}
