package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalbase/vitalbase/fhir"
)

func testCache(t *testing.T) *RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisCache(context.Background(), mr.Addr(), "", 0, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCacheMissReturnsNil(t *testing.T) {
	c := testCache(t)
	resource, err := c.Get(context.Background(), "Patient", "missing")
	require.NoError(t, err)
	assert.Nil(t, resource)
}

func TestCachePutGetInvalidate(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	patient := fhir.Resource{"kind": "Patient", "id": "p1", "gender": "male"}
	require.NoError(t, c.Put(ctx, patient))

	got, err := c.Get(ctx, "Patient", "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, patient.Equal(got))

	require.NoError(t, c.Invalidate(ctx, "Patient", "p1"))
	got, err = c.Get(ctx, "Patient", "p1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCacheKeysAreKindScoped(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, fhir.Resource{"kind": "Patient", "id": "x"}))
	got, err := c.Get(ctx, "Observation", "x")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNoopCache(t *testing.T) {
	var c ResourceCache = Noop{}
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, fhir.Resource{"kind": "Patient", "id": "x"}))
	got, err := c.Get(ctx, "Patient", "x")
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, c.Invalidate(ctx, "Patient", "x"))
	require.NoError(t, c.Close())
}
