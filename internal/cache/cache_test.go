package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_UnpublishedKeyReturnsNotOK(t *testing.T) {
	c := New()
	_, ok := c.Get(KeyAircraftList)
	assert.False(t, ok, "unpublished keys must surface as not-ready, not a zero-value payload")
}

func TestPublishAndGet_RoundTrips(t *testing.T) {
	c := New()
	now := time.Now().UTC()
	c.Publish(KeySFRA, map[string]int{"count": 3}, now, now.Add(-time.Second))

	e, ok := c.Get(KeySFRA)
	require.True(t, ok)
	assert.Equal(t, now, e.ComputedAt)
	assert.Equal(t, map[string]int{"count": 3}, e.Payload)
}

func TestPublish_ReplacesPreviousValueAtomically(t *testing.T) {
	c := New()
	t1 := time.Now().UTC()
	t2 := t1.Add(time.Second)

	c.Publish(KeyP56, "first", t1, t1)
	c.Publish(KeyP56, "second", t2, t2)

	e, ok := c.Get(KeyP56)
	require.True(t, ok)
	assert.Equal(t, "second", e.Payload)
	assert.Equal(t, t2, e.ComputedAt)
}

func TestGet_UnknownKeyReturnsNotOK(t *testing.T) {
	c := New()
	_, ok := c.Get("not_a_real_key")
	assert.False(t, ok)
}
