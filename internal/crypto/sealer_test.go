package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	s, err := NewSealer("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	require.NoError(t, err)

	raw, err := s.Seal("sk-super-secret", "openai")
	require.NoError(t, err)
	assert.NotContains(t, raw, "sk-super-secret", "envelope leaks plaintext")

	out, err := s.Open(raw, "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-super-secret", out)
}

func TestOpenRejectsOtherRow(t *testing.T) {
	s, err := NewSealer("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	require.NoError(t, err)
	raw, err := s.Seal("sk-openai", "openai")
	require.NoError(t, err)

	_, err = s.Open(raw, "anthropic")
	assert.Error(t, err, "open with different additional data must fail")
}

func TestRotationOpenOldSealNew(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldSealer, err := NewSealer("old", map[string][]byte{"old": oldKey})
	require.NoError(t, err)
	legacy, err := oldSealer.Seal("legacy", "gemini")
	require.NoError(t, err)

	rotated, err := NewSealer("new", map[string][]byte{"old": oldKey, "new": newKey})
	require.NoError(t, err)
	stale, err := rotated.Stale(legacy)
	require.NoError(t, err)
	assert.True(t, stale, "legacy envelope must be stale")

	fresh, err := rotated.Reseal(legacy, "gemini")
	require.NoError(t, err)
	stale, err = rotated.Stale(fresh)
	require.NoError(t, err)
	assert.False(t, stale, "resealed envelope must use the current key")

	plain, err := rotated.Open(fresh, "gemini")
	require.NoError(t, err)
	assert.Equal(t, "legacy", plain)

	_, err = oldSealer.Open(fresh, "gemini")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestNewSealerValidatesKeys(t *testing.T) {
	_, err := NewSealer("", map[string][]byte{"k": make([]byte, 32)})
	assert.Error(t, err, "empty current key id")
	_, err = NewSealer("missing", map[string][]byte{"k": make([]byte, 32)})
	assert.Error(t, err, "unknown current key id")
	_, err = NewSealer("k", map[string][]byte{"k": make([]byte, 16)})
	assert.Error(t, err, "short key")
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(b64)
	require.NoError(t, err)
	return b
}
