package cache

import (
	"strings"
	"time"
)

const defaultIdentityTTL = 5 * time.Minute

// IdentityCache remembers which canonical party id a raw tax id resolved to,
// so documents of a busy customer skip the mirror and ERP probes.
type IdentityCache interface {
	GetCanonicalID(tenantID, taxID string) (string, bool)
	SetCanonicalID(tenantID, taxID, canonicalID string)
	Forget(tenantID, taxID string)
}

type identityCache struct {
	ids Cache[string, string]
	ttl time.Duration
}

// NewIdentityCache returns an in-memory identity cache. A non-positive ttl
// uses the default.
func NewIdentityCache(ttl time.Duration) IdentityCache {
	if ttl <= 0 {
		ttl = defaultIdentityTTL
	}
	return &identityCache{ids: NewTTLCache[string, string](), ttl: ttl}
}

func (c *identityCache) GetCanonicalID(tenantID, taxID string) (string, bool) {
	return c.ids.Get(cacheKey(tenantID, taxID))
}

func (c *identityCache) SetCanonicalID(tenantID, taxID, canonicalID string) {
	if strings.TrimSpace(canonicalID) == "" {
		return
	}
	c.ids.Set(cacheKey(tenantID, taxID), canonicalID, c.ttl)
}

func (c *identityCache) Forget(tenantID, taxID string) {
	c.ids.Delete(cacheKey(tenantID, taxID))
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
