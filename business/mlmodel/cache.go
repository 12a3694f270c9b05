package mlmodel

import (
	logger "log"
	"os"
	"sync"
	"sync/atomic"
)

// Cache holds the current model artifact in memory and reloads it only when the
// backing file changes. Safe for arbitrary concurrent callers: the read path is a
// stat plus an atomic pointer load, and concurrent reload attempts collapse into a
// single load behind the mutex. Readers mid-flight keep the artifact they loaded,
// and a reader never observes an artifact older than one it has already observed
type Cache struct {
	log  *logger.Logger
	path string

	mu      sync.Mutex
	current atomic.Pointer[Artifact]
	reloads atomic.Uint64
}

// MakeCache builds Cache for the artifact at path. No load happens until the first Current call
func MakeCache(log *logger.Logger, path string) *Cache {
	return &Cache{
		log:  log,
		path: path,
	}
}

// Current returns the current artifact, reloading first if the backing file changed.
// Returns false when no artifact is available; callers fall back to the raw agency
// eta rather than failing their request
func (c *Cache) Current() (*Artifact, bool) {
	info, err := os.Stat(c.path)
	if err != nil {
		// keep serving the last good artifact if the file disappeared mid-deploy
		cached := c.current.Load()
		if cached == nil {
			return nil, false
		}
		return cached, true
	}

	cached := c.current.Load()
	if cached != nil && !info.ModTime().After(cached.modTime) {
		return cached, true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// another caller may have finished the reload while this one waited
	cached = c.current.Load()
	if cached != nil && !info.ModTime().After(cached.modTime) {
		return cached, true
	}

	artifact, err := LoadArtifact(c.path)
	if err != nil {
		c.log.Printf("unable to reload model artifact, serving previous version: %v", err)
		if cached == nil {
			return nil, false
		}
		return cached, true
	}
	artifact.modTime = info.ModTime()
	c.current.Store(artifact)
	c.reloads.Add(1)
	c.log.Printf("loaded model %s version %d trained %s",
		artifact.ModelName, artifact.Version, artifact.TrainedAt.Format("2006-01-02"))
	return artifact, true
}

// ReloadCount returns how many times the cache has loaded an artifact
func (c *Cache) ReloadCount() uint64 {
	return c.reloads.Load()
}
