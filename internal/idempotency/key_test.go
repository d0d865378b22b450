package idempotency

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInputHash_FieldOrderIndependent(t *testing.T) {
	type ab struct {
		A string `json:"a"`
		B int    `json:"b"`
	}
	type ba struct {
		B int    `json:"b"`
		A string `json:"a"`
	}

	h1, err := InputHash(ab{A: "x", B: 7})
	require.NoError(t, err)
	h2, err := InputHash(ba{B: 7, A: "x"})
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "semantically identical inputs must hash equal")
}

func TestInputHash_DifferentInputsDiffer(t *testing.T) {
	h1, err := InputHash(map[string]any{"name": "Jane Smith"})
	require.NoError(t, err)
	h2, err := InputHash(map[string]any{"name": "Jane Smyth"})
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestInputHash_Shape(t *testing.T) {
	h, err := InputHash(map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Len(t, h, 16)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{16}$`), h)
}

func TestKey_Deterministic(t *testing.T) {
	k1 := Key("item-1", "wealth_screen", "abcd1234abcd1234")
	k2 := Key("item-1", "wealth_screen", "abcd1234abcd1234")
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)
}

func TestKey_VariesByComponent(t *testing.T) {
	base := Key("item-1", "wealth_screen", "aaaa")
	assert.NotEqual(t, base, Key("item-2", "wealth_screen", "aaaa"))
	assert.NotEqual(t, base, Key("item-1", "philanthropy", "aaaa"))
	assert.NotEqual(t, base, Key("item-1", "wealth_screen", "bbbb"))
}
