package tokenizer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testVocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]", "<img>", "<image>", "</img>",
	"hello", "world", "hi", "how", "are", "you",
	"##lo", "##ld", "##i", ",",
}

func TestTokenizer(t *testing.T) {
	vocabPath := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, os.WriteFile(vocabPath, []byte(strings.Join(testVocab, "\n")+"\n"), 0o644))

	tk, err := NewWordPieceTokenizer(vocabPath, DefaultNames())
	require.NoError(t, err)
	assert.Equal(t, len(testVocab), tk.Vocab())

	t.Run("BasicTokenize", func(t *testing.T) {
		tokens, ids := tk.Tokenize("Hello world")
		require.Equal(t, []string{"hello", "world"}, tokens)
		require.Equal(t, []int{7, 8}, ids)
	})

	t.Run("WordPieceSplit", func(t *testing.T) {
		tokens, ids := tk.Tokenize("hellold")
		require.Equal(t, []string{"hello", "##ld"}, tokens)
		require.Equal(t, []int{7, 14}, ids)
	})

	t.Run("UNKHandling", func(t *testing.T) {
		tokens, ids := tk.Tokenize("unknownword")
		require.Equal(t, []string{"[UNK]"}, tokens)
		require.Equal(t, []int{1}, ids)
	})

	t.Run("Normalization", func(t *testing.T) {
		tokens, ids := tk.Tokenize("Héllo")
		require.Equal(t, []string{"hello"}, tokens)
		require.Equal(t, []int{7}, ids)
	})

	t.Run("Special tokens survive", func(t *testing.T) {
		ids := tk.Encode("hi<img><image></img>you[SEP]")
		assert.Equal(t, []int{9, 4, 5, 6, 12, 3}, ids)
	})

	t.Run("Special ids", func(t *testing.T) {
		sp := tk.Special()
		assert.Equal(t, []int{3}, sp.End)
		assert.Equal(t, 4, sp.ImageStart)
		assert.Equal(t, 5, sp.ImageContext)
		assert.Equal(t, 6, sp.ImageEnd)
	})

	t.Run("Decode", func(t *testing.T) {
		assert.Equal(t, "hello world", tk.Decode([]int{7, 8}))
		assert.Equal(t, "hellold , you", tk.Decode([]int{7, 14, 16, 4, 12, 3}))
	})
}

func TestNewFromWords(t *testing.T) {
	_, err := NewFromWords([]string{"a"}, DefaultNames())
	assert.Error(t, err, "missing unknown token")

	_, err = NewFromWords([]string{"[UNK]", "a"}, DefaultNames())
	assert.Error(t, err, "missing end token")

	tk, err := NewFromWords([]string{"[UNK]", "[SEP]"}, DefaultNames())
	require.NoError(t, err)
	assert.Equal(t, -1, tk.Special().ImageStart)
}

func TestSplit(t *testing.T) {
	tk, err := NewFromWords(testVocab, DefaultNames())
	require.NoError(t, err)

	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"Empty", "", nil},
		{"SingleWord", "hello", []string{"hello"}},
		{"Digits", "w42", []string{"w42"}},
		{"Spaces", "how are  you", []string{"how", "are", "you"}},
		{"Punctuation", "hello, world!", []string{"hello", ",", "world", "!"}},
		{"Special", "hi<image>you", []string{"hi", "<image>", "you"}},
		{"Accented", "héllo", []string{"héllo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tk.split(tt.input))
		})
	}
	assert.True(t, singleWord("Lorem9"))
	assert.False(t, singleWord("lorem ipsum"))
	assert.False(t, singleWord("[SEP]"))
}

func BenchmarkSplit(b *testing.B) {
	tk, err := NewFromWords(testVocab, DefaultNames())
	require.NoError(b, err)
	input := strings.Repeat("hello world, ", 16)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tk.split(input)
	}
}
