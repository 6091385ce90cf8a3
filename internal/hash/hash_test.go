package hash

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfDeterminism(t *testing.T) {
	h1 := Of([]byte("hello"))
	h2 := Of([]byte("hello"))

	assert.Equal(t, h1, h2, "equal blobs must hash equally")
	assert.True(t, strings.HasPrefix(string(h1), Prefix))
	assert.Len(t, h1.Hex(), 64, "SHA-256 hex is 64 characters")
}

func TestOfKnownVector(t *testing.T) {
	// sha256("hello")
	want := "nih:sha-256;2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	assert.Equal(t, ContentHash(want), Of([]byte("hello")))
}

func TestOfChangesWithContent(t *testing.T) {
	assert.NotEqual(t, Of([]byte("a")), Of([]byte("b")))
	assert.NotEqual(t, Of(nil), Of([]byte{0}))
}

func TestOfReaderMatchesOf(t *testing.T) {
	h, err := OfReader(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, Of([]byte("hello")), h)
}

func TestParse(t *testing.T) {
	valid := Of([]byte("x"))

	got, err := Parse(string(valid))
	require.NoError(t, err)
	assert.Equal(t, valid, got)

	upper := Prefix + strings.ToUpper(valid.Hex())
	got, err = Parse(upper)
	require.NoError(t, err)
	assert.Equal(t, valid, got, "uppercase digests normalize to lowercase")
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"wrong algorithm", "nih:sha-1;" + strings.Repeat("a", 40)},
		{"short digest", Prefix + "abcd"},
		{"non hex", Prefix + strings.Repeat("z", 64)},
		{"bare hex", strings.Repeat("a", 64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestVerify(t *testing.T) {
	h := Of([]byte("hello"))
	assert.True(t, h.Verify([]byte("hello")))
	assert.False(t, h.Verify([]byte("hellO")))
}

func TestShort(t *testing.T) {
	h := Of([]byte("hello"))
	assert.Equal(t, "2cf24dba5fb0", h.Short())
	assert.True(t, ContentHash("").IsZero())
}
