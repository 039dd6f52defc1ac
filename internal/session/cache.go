package session

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// promptCacheSize bounds the assembled-prompt cache; eviction is
// insertion-ordered.
const promptCacheSize = 32

// promptCache wraps a bounded cache keyed by skill-set fingerprint.
// Eviction is insertion-ordered: reads go through Peek so a hit never
// refreshes an entry's recency, and each fingerprint is only ever added
// once, so the underlying LRU's recency order degenerates to insertion
// order. Entries also naturally fall out of reach once SkillStore bumps
// its generation, since Fingerprint folds the generation into the key;
// no explicit invalidation pass over the cache is needed.
type promptCache struct {
	inner *lru.Cache[string, string]
}

func newPromptCache() *promptCache {
	c, err := lru.New[string, string](promptCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// promptCacheSize never is.
		panic(err)
	}
	return &promptCache{inner: c}
}

func (c *promptCache) get(key string) (string, bool) {
	return c.inner.Peek(key)
}

func (c *promptCache) put(key, value string) {
	c.inner.Add(key, value)
}
