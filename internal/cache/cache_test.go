package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCacheExpires(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newTTLCache[string, int](func() time.Time { return now })

	c.Set("a", 1, time.Minute)
	c.Set("ignored", 2, 0)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = c.Get("ignored")
	assert.False(t, ok)

	now = now.Add(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestIdentityCacheKeysAreTenantScoped(t *testing.T) {
	c := NewIdentityCache(time.Minute)
	c.SetCanonicalID("tenant-a", " 900100200-1 ", "900100200")
	c.SetCanonicalID("tenant-a", "empty", " ")

	id, ok := c.GetCanonicalID("TENANT-A", "900100200-1")
	assert.True(t, ok)
	assert.Equal(t, "900100200", id)

	_, ok = c.GetCanonicalID("tenant-b", "900100200-1")
	assert.False(t, ok)
	_, ok = c.GetCanonicalID("tenant-a", "empty")
	assert.False(t, ok)

	c.Forget("tenant-a", "900100200-1")
	_, ok = c.GetCanonicalID("tenant-a", "900100200-1")
	assert.False(t, ok)
}
