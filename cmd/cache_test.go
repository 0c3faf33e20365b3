package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/property-research/internal/model"
)

type fixedAges map[model.ContentKind]time.Duration

func (f fixedAges) CacheAge(_ context.Context, _ string, kind model.ContentKind) (time.Duration, bool, error) {
	age, ok := f[kind]
	return age, ok, nil
}

type failingAges struct{}

func (failingAges) CacheAge(context.Context, string, model.ContentKind) (time.Duration, bool, error) {
	return 0, false, eris.New("db down")
}

func TestCacheStatus(t *testing.T) {
	rows, err := cacheStatus(context.Background(), fixedAges{model.ContentPages: 13 * time.Hour},
		"oakridge.com", 24*time.Hour, 12*time.Hour)
	require.NoError(t, err)

	require.Len(t, rows, 2)
	assert.Equal(t, cacheRow{Kind: model.ContentPages, Present: true, Age: 13 * time.Hour, Valid: true}, rows[0])
	assert.Equal(t, cacheRow{Kind: model.ContentPlaces}, rows[1])

	var buf bytes.Buffer
	formatCacheStatus(&buf, "oakridge.com", rows)
	assert.Contains(t, buf.String(), "oakridge.com")
	assert.Contains(t, buf.String(), "13h0m0s")
	assert.Contains(t, buf.String(), "true")
}

func TestCacheStatus_Expired(t *testing.T) {
	rows, err := cacheStatus(context.Background(), fixedAges{model.ContentPlaces: 30 * time.Hour},
		"oakridge.com", 24*time.Hour, 12*time.Hour)
	require.NoError(t, err)
	assert.False(t, rows[1].Valid)
	assert.False(t, rows[1].AutoReuse)
}

func TestCacheStatus_LookupError(t *testing.T) {
	_, err := cacheStatus(context.Background(), failingAges{}, "oakridge.com", time.Hour, time.Hour)
	assert.ErrorContains(t, err, "cache status oakridge.com/pages")
}
