package embed

import (
	"fmt"
	"time"
)

// Kind selects which table a token id is looked up in.
type Kind int

const (
	// Text is the ordinary vocabulary table.
	Text Kind = iota
	// Speech holds discrete speech-token embeddings.
	Speech
	// Fusion holds the modality-fusion markers (start-of-speech, task).
	Fusion
)

func (k Kind) String() string {
	switch k {
	case Text:
		return "text"
	case Speech:
		return "speech"
	case Fusion:
		return "fusion"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Selector groups the tables of one model. Only the text table is
// mandatory; every table must share its width.
type Selector struct {
	tables map[Kind]*Table
	width  int
}

// NewSelector builds a selector over text plus any optional tables.
func NewSelector(text *Table, extra map[Kind]*Table) (*Selector, error) {
	if text == nil {
		return nil, fmt.Errorf("%w: text table is required", ErrTableSize)
	}
	s := &Selector{tables: map[Kind]*Table{Text: text}, width: text.Width()}
	for k, t := range extra {
		if t == nil {
			continue
		}
		if t.Width() != s.width {
			return nil, fmt.Errorf("%w: %s table width %d, text width %d", ErrTableSize, k, t.Width(), s.width)
		}
		s.tables[k] = t
	}
	return s, nil
}

// Width returns the shared row width.
func (s *Selector) Width() int { return s.width }

// Has reports whether a table of kind is loaded.
func (s *Selector) Has(kind Kind) bool {
	_, ok := s.tables[kind]
	return ok
}

// Table returns the table of kind, or nil.
func (s *Selector) Table(kind Kind) *Table { return s.tables[kind] }

// Embed looks ids up in the table of kind.
func (s *Selector) Embed(kind Kind, ids []int) ([]float32, error) {
	t, ok := s.tables[kind]
	if !ok {
		return nil, fmt.Errorf("no %s embedding table loaded", kind)
	}
	start := time.Now()
	out, err := t.Embed(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to embed %s tokens: %w", kind, err)
	}
	lookupDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
	rowsLooked.WithLabelValues(kind.String()).Add(float64(len(ids)))
	return out, nil
}
