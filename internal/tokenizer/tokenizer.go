// Package tokenizer converts between text and token ids and reports the
// special ids the engine uses for stop and splice decisions.
package tokenizer

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Special holds the ids of the control tokens. A value of -1 means the
// vocabulary has no such token.
type Special struct {
	End          []int
	ImageStart   int
	ImageContext int
	ImageEnd     int
}

// Tokenizer is the text <-> id collaborator. Implementations must be safe
// for concurrent use.
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
	Special() Special
	Vocab() int
}

// Names lists the vocabulary entries used as special tokens.
type Names struct {
	Unknown      string   `yaml:"unknown"`
	End          []string `yaml:"end"`
	ImageStart   string   `yaml:"image_start"`
	ImageContext string   `yaml:"image_context"`
	ImageEnd     string   `yaml:"image_end"`
}

// DefaultNames returns the special token names of the bundled vocabularies.
func DefaultNames() Names {
	return Names{
		Unknown:      "[UNK]",
		End:          []string{"[SEP]"},
		ImageStart:   "<img>",
		ImageContext: "<image>",
		ImageEnd:     "</img>",
	}
}

// ensure interface compliance
var _ Tokenizer = (*WordPieceTokenizer)(nil)

// WordPieceTokenizer implements the WordPiece tokenization algorithm.
type WordPieceTokenizer struct {
	vocab         map[string]int
	invVocab      map[int]string
	maxInputChars int
	unkToken      string
	neverSplit    map[string]bool
	special       Special
}

// NewWordPieceTokenizer creates a tokenizer from a vocab file with one
// entry per line.
func NewWordPieceTokenizer(vocabPath string, names Names) (*WordPieceTokenizer, error) {
	words, err := loadVocab(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load vocab: %w", err)
	}
	return NewFromWords(words, names)
}

// NewFromWords creates a tokenizer whose id i is words[i].
func NewFromWords(words []string, names Names) (*WordPieceTokenizer, error) {
	vocab := make(map[string]int, len(words))
	invVocab := make(map[int]string, len(words))
	for i, w := range words {
		vocab[w] = i
		invVocab[i] = w
	}
	if _, ok := vocab[names.Unknown]; !ok {
		return nil, fmt.Errorf("vocab has no unknown token %q", names.Unknown)
	}

	t := &WordPieceTokenizer{
		vocab:         vocab,
		invVocab:      invVocab,
		maxInputChars: 200,
		unkToken:      names.Unknown,
		neverSplit:    map[string]bool{names.Unknown: true},
		special:       Special{ImageStart: -1, ImageContext: -1, ImageEnd: -1},
	}
	lookup := func(name string) int {
		if name == "" {
			return -1
		}
		id, ok := vocab[name]
		if !ok {
			return -1
		}
		t.neverSplit[name] = true
		return id
	}
	for _, name := range names.End {
		if id := lookup(name); id >= 0 {
			t.special.End = append(t.special.End, id)
		}
	}
	if len(t.special.End) == 0 {
		return nil, fmt.Errorf("vocab has none of the end tokens %v", names.End)
	}
	t.special.ImageStart = lookup(names.ImageStart)
	t.special.ImageContext = lookup(names.ImageContext)
	t.special.ImageEnd = lookup(names.ImageEnd)
	return t, nil
}

// loadVocab reads a vocab.txt file.
func loadVocab(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var words []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			words = append(words, line)
		}
	}
	return words, scanner.Err()
}

// Special returns the control token ids.
func (t *WordPieceTokenizer) Special() Special { return t.special }

// Vocab returns the vocabulary size.
func (t *WordPieceTokenizer) Vocab() int { return len(t.vocab) }

// isPunctuation checks if a rune is a punctuation character.
func isPunctuation(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

// singleWord reports whether text is one ASCII word of letters and digits.
// Decode turns and short prompts are mostly that, and split can hand them
// back without walking runes or special tokens.
func singleWord(text string) bool {
	if text == "" {
		return false
	}
	for i := 0; i < len(text); i++ {
		c := text[i]
		if !('a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9') {
			return false
		}
	}
	return true
}

// split breaks text on whitespace and punctuation, keeping punctuation as
// separate tokens and never splitting special tokens.
func (t *WordPieceTokenizer) split(text string) []string {
	if singleWord(text) {
		return []string{text}
	}

	var tokens []string
	runes := []rune(text)
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	i := 0
	for i < len(runes) {
		suffix := string(runes[i:])
		matched := false
		for ns := range t.neverSplit {
			if strings.HasPrefix(suffix, ns) {
				flush()
				tokens = append(tokens, ns)
				i += len([]rune(ns))
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		r := runes[i]
		switch {
		case isPunctuation(r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsSpace(r):
			flush()
		default:
			current.WriteRune(r)
		}
		i++
	}
	flush()
	return tokens
}

var normalizer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Tokenize returns the WordPiece tokens of text and their ids.
func (t *WordPieceTokenizer) Tokenize(text string) ([]string, []int) {
	raw := t.split(text)

	outputTokens := make([]string, 0, len(raw)*2)
	outputIDs := make([]int, 0, len(raw)*2)
	unk := func() {
		outputTokens = append(outputTokens, t.unkToken)
		outputIDs = append(outputIDs, t.vocab[t.unkToken])
	}

	for _, token := range raw {
		if token == "" {
			continue
		}
		if t.neverSplit[token] {
			outputTokens = append(outputTokens, token)
			outputIDs = append(outputIDs, t.vocab[token])
			continue
		}

		normToken := strings.ToLower(token)
		normToken, _, _ = transform.String(normalizer, normToken)

		if len(normToken) > t.maxInputChars {
			unk()
			continue
		}

		isBad := false
		start := 0
		var subTokens []string
		for start < len(normToken) {
			end := len(normToken)
			var curSubstr string
			for start < end {
				substr := normToken[start:end]
				if start > 0 {
					substr = "##" + substr
				}
				if _, ok := t.vocab[substr]; ok {
					curSubstr = substr
					break
				}
				end--
			}
			if curSubstr == "" {
				isBad = true
				break
			}
			subTokens = append(subTokens, curSubstr)
			start = end
		}

		if isBad {
			unk()
			continue
		}
		for _, st := range subTokens {
			outputTokens = append(outputTokens, st)
			outputIDs = append(outputIDs, t.vocab[st])
		}
	}
	return outputTokens, outputIDs
}

// Encode converts text into token ids.
func (t *WordPieceTokenizer) Encode(text string) []int {
	_, ids := t.Tokenize(text)
	return ids
}

// Decode joins the tokens of ids, gluing "##" continuations to the previous
// word and dropping control tokens.
func (t *WordPieceTokenizer) Decode(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		tok, ok := t.invVocab[id]
		if !ok || t.isControl(id) {
			continue
		}
		if rest, cont := strings.CutPrefix(tok, "##"); cont {
			b.WriteString(rest)
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(tok)
	}
	return b.String()
}

func (t *WordPieceTokenizer) isControl(id int) bool {
	if id == t.special.ImageStart || id == t.special.ImageContext || id == t.special.ImageEnd {
		return true
	}
	for _, e := range t.special.End {
		if id == e {
			return true
		}
	}
	return false
}
