package ml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeVocab(t *testing.T, tokens ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(tokens, "\n")+"\n"), 0o644))
	return path
}

func testVocab(t *testing.T) string {
	return writeVocab(t,
		"[PAD]", "[UNK]", "[CLS]", "[SEP]",
		"hello", "world", "play", "##ing", ",",
	)
}

func TestLoadWordPieceTokenizerMissingSpecialToken(t *testing.T) {
	path := writeVocab(t, "[PAD]", "[UNK]", "[CLS]", "hello")

	_, err := LoadWordPieceTokenizer(path, 16)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[SEP]")
}

func TestEncodeBasic(t *testing.T) {
	tok, err := LoadWordPieceTokenizer(testVocab(t), 8)
	require.NoError(t, err)

	inputIDs, attentionMask, tokenTypeIDs := tok.Encode("Hello world")

	assert.Equal(t, []int64{2, 4, 5, 3, 0, 0, 0, 0}, inputIDs)
	assert.Equal(t, []int64{1, 1, 1, 1, 0, 0, 0, 0}, attentionMask)
	assert.Equal(t, make([]int64, 8), tokenTypeIDs)
}

func TestEncodeWordPieceSubTokens(t *testing.T) {
	tok, err := LoadWordPieceTokenizer(testVocab(t), 8)
	require.NoError(t, err)

	inputIDs, _, _ := tok.Encode("playing")

	// "playing" splits into "play" + "##ing".
	assert.Equal(t, []int64{2, 6, 7, 3, 0, 0, 0, 0}, inputIDs)
}

func TestEncodeUnknownWord(t *testing.T) {
	tok, err := LoadWordPieceTokenizer(testVocab(t), 8)
	require.NoError(t, err)

	inputIDs, _, _ := tok.Encode("qzx")

	// Every unmatched character falls back to [UNK].
	assert.Equal(t, []int64{2, 1, 1, 1, 3, 0, 0, 0}, inputIDs)
}

func TestEncodeSplitsPunctuation(t *testing.T) {
	tok, err := LoadWordPieceTokenizer(testVocab(t), 8)
	require.NoError(t, err)

	inputIDs, _, _ := tok.Encode("hello, world")

	assert.Equal(t, []int64{2, 4, 8, 5, 3, 0, 0, 0}, inputIDs)
}

func TestEncodeTruncatesToSequenceLength(t *testing.T) {
	tok, err := LoadWordPieceTokenizer(testVocab(t), 6)
	require.NoError(t, err)

	inputIDs, attentionMask, _ := tok.Encode("hello world hello world hello world")

	assert.Equal(t, []int64{2, 4, 5, 4, 5, 3}, inputIDs)
	assert.Equal(t, []int64{1, 1, 1, 1, 1, 1}, attentionMask)
}
