package epoch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveUsesEnvWhenSet(t *testing.T) {
	t.Setenv(EnvVar, "1700000000")
	got, err := Resolve(time.Now())
	require.NoError(t, err)
	assert.Equal(t, "2023-11-14T22:13:20Z", Format(got))
}

func TestResolveFallsBackToNow(t *testing.T) {
	t.Setenv(EnvVar, "")
	now := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	got, err := Resolve(now)
	require.NoError(t, err)
	assert.Equal(t, now, got)
}

func TestResolveFallsBackToNowOnGarbage(t *testing.T) {
	t.Setenv(EnvVar, "not-a-number")
	now := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	got, err := Resolve(now)
	require.NoError(t, err)
	assert.Equal(t, now, got)
}

func TestResolveFallsBackToNowOnNegative(t *testing.T) {
	t.Setenv(EnvVar, "-5")
	now := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	got, err := Resolve(now)
	require.NoError(t, err)
	assert.Equal(t, now, got)
}

func TestFormat(t *testing.T) {
	tm := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	assert.Equal(t, "2023-11-14T22:13:20Z", Format(tm))
}
