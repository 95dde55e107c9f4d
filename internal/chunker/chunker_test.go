package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/ansuz/internal/apperr"
)

func words(prefix string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(parts, " ")
}

func TestChunk_Empty(t *testing.T) {
	for _, body := range []string{"", "   \n\t  "} {
		pieces, err := Chunk(body, 100, 20)
		require.NoError(t, err)
		assert.Empty(t, pieces)
	}
}

func TestChunk_ShortBodySingleChunk(t *testing.T) {
	pieces, err := Chunk(words("w", 30), 100, 20)
	require.NoError(t, err)
	require.Len(t, pieces, 1)
	assert.Equal(t, 0, pieces[0].Index)
	assert.Equal(t, 30, pieces[0].TokenCount)
	assert.Equal(t, words("w", 30), pieces[0].Content)
}

func TestChunk_SlidingWindow(t *testing.T) {
	pieces, err := Chunk(words("w", 250), 100, 20)
	require.NoError(t, err)
	require.Len(t, pieces, 3)

	assert.True(t, strings.HasPrefix(pieces[0].Content, "w0 "))
	assert.True(t, strings.HasPrefix(pieces[1].Content, "w80 "))
	assert.True(t, strings.HasPrefix(pieces[2].Content, "w160 "))
	assert.True(t, strings.HasSuffix(pieces[2].Content, " w249"))
	assert.Equal(t, []int{100, 100, 90}, []int{pieces[0].TokenCount, pieces[1].TokenCount, pieces[2].TokenCount})
}

func TestChunk_ShortTrailingWindowFolded(t *testing.T) {
	pieces, err := Chunk(words("w", 200), 100, 20)
	require.NoError(t, err)
	require.Len(t, pieces, 3)

	last := pieces[2]
	assert.Equal(t, 100, last.TokenCount)
	assert.True(t, strings.HasPrefix(last.Content, "w100 "))
	assert.True(t, strings.HasSuffix(last.Content, " w199"))
}

func TestChunk_Invariants(t *testing.T) {
	for _, n := range []int{1, 49, 50, 99, 100, 101, 149, 150, 333, 1000} {
		for _, maxTokens := range []int{60, 100, 128} {
			for _, overlap := range []int{0, 10, 30} {
				name := fmt.Sprintf("n=%d/max=%d/overlap=%d", n, maxTokens, overlap)
				t.Run(name, func(t *testing.T) {
					pieces, err := Chunk(words("w", n), maxTokens, overlap)
					require.NoError(t, err)
					require.NotEmpty(t, pieces)

					for i, p := range pieces {
						assert.Equal(t, i, p.Index, "indices contiguous from 0")
						assert.LessOrEqual(t, p.TokenCount, maxTokens)
						assert.Equal(t, CountTokens(p.Content), p.TokenCount)
						if len(pieces) > 1 {
							assert.GreaterOrEqual(t, p.TokenCount, MinTrailingTokens)
						}
					}
					assert.True(t, strings.HasPrefix(pieces[0].Content, "w0"))
					assert.True(t, strings.HasSuffix(pieces[len(pieces)-1].Content, fmt.Sprintf("w%d", n-1)))
				})
			}
		}
	}
}

func TestChunk_Deterministic(t *testing.T) {
	body := words("x", 517)
	a, err := Chunk(body, 128, 16)
	require.NoError(t, err)
	b, err := Chunk(body, 128, 16)
	require.NoError(t, err)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("non-deterministic output (-first +second):\n%s", diff)
	}
}

func TestChunk_InvalidParams(t *testing.T) {
	tests := []struct{ max, overlap int }{
		{0, 0},
		{-5, 0},
		{100, 100},
		{100, 150},
		{100, -1},
	}
	for _, tt := range tests {
		_, err := Chunk("some text", tt.max, tt.overlap)
		assert.ErrorIs(t, err, apperr.ErrValidation, "max=%d overlap=%d", tt.max, tt.overlap)
	}
}

func TestChunk_PunctuationTokens(t *testing.T) {
	assert.Equal(t, 7, CountTokens("Hello, world! (ok)"))
}

func TestChunkSemantic_PacksParagraphs(t *testing.T) {
	body := words("a", 10) + "\n\n" + words("b", 10) + "\n\n" + words("c", 200)
	pieces, err := ChunkSemantic(body, 100, 0)
	require.NoError(t, err)
	require.Len(t, pieces, 3)

	assert.Equal(t, words("a", 10)+"\n\n"+words("b", 10), pieces[0].Content)
	assert.Equal(t, 20, pieces[0].TokenCount)
	assert.Equal(t, 100, pieces[1].TokenCount)
	assert.Equal(t, 100, pieces[2].TokenCount)
	assert.True(t, strings.HasPrefix(pieces[1].Content, "c0 "))
}

func TestChunkSemantic_ShortTailMerged(t *testing.T) {
	body := words("a", 150) + "\n\n" + words("b", 20)
	pieces, err := ChunkSemantic(body, 100, 0)
	require.NoError(t, err)
	require.Len(t, pieces, 2)

	assert.Equal(t, 100, pieces[0].TokenCount)
	assert.Equal(t, 70, pieces[1].TokenCount)
	assert.True(t, strings.HasSuffix(pieces[1].Content, "b19"))
}

func TestChunkSemantic_ShortTailWidened(t *testing.T) {
	body := words("a", 60) + "\n\n" + words("b", 95) + "\n\n" + words("c", 10)
	pieces, err := ChunkSemantic(body, 100, 0)
	require.NoError(t, err)
	require.Len(t, pieces, 3)

	assert.Equal(t, 60, pieces[0].TokenCount)
	assert.Equal(t, 95, pieces[1].TokenCount)
	assert.Equal(t, 100, pieces[2].TokenCount)
	assert.True(t, strings.HasPrefix(pieces[2].Content, "b5 "))
	assert.True(t, strings.HasSuffix(pieces[2].Content, "c9"))
	for _, p := range pieces {
		assert.LessOrEqual(t, p.TokenCount, 100)
	}
}

func TestSplit_Mode(t *testing.T) {
	body := words("a", 10) + "\n\n" + words("b", 10)

	semantic, err := Split(ModeSemantic, body, 15, 0)
	require.NoError(t, err)
	require.Len(t, semantic, 2)
	assert.Equal(t, "a5 a6 a7 a8 a9\n\n"+words("b", 10), semantic[1].Content)
	assert.Equal(t, 15, semantic[1].TokenCount)

	window, err := Split(ModeWindow, body, 15, 0)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, 15, window[0].TokenCount)
}
