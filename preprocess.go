package textclassifier

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"
)

// Special tokens. They always occupy the first four vocabulary slots so
// their IDs match the encoder configuration defaults.
const (
	padToken = "[PAD]"
	unkToken = "[UNK]"
	clsToken = "[CLS]"
	sepToken = "[SEP]"
)

// Vocab is a word-level vocabulary. Index 0-3 are reserved for the
// special tokens; everything else is corpus-derived.
type Vocab struct {
	tokens []string
	ids    map[string]int
}

// NewVocab builds a vocabulary from a token list. The list must not
// contain the special tokens; they are prepended automatically.
func NewVocab(tokens []string) *Vocab {
	all := append([]string{padToken, unkToken, clsToken, sepToken}, tokens...)

	ids := make(map[string]int, len(all))
	for i, tok := range all {
		if _, dup := ids[tok]; dup {
			panic(fmt.Sprintf("vocab: duplicate token %q", tok))
		}
		ids[tok] = i
	}

	return &Vocab{tokens: all, ids: ids}
}

// BuildVocab derives a vocabulary from a training corpus, keeping the
// maxSize most frequent tokens (special tokens included in the budget).
// Ties break alphabetically so vocabulary construction is deterministic.
func BuildVocab(texts []string, maxSize int) *Vocab {
	if maxSize <= 4 {
		panic(fmt.Sprintf("vocab: maxSize must exceed the %d special tokens, got %d", 4, maxSize))
	}

	counts := make(map[string]int)
	for _, text := range texts {
		for _, tok := range tokenize(text) {
			counts[tok]++
		}
	}

	type tokenCount struct {
		token string
		count int
	}
	sorted := make([]tokenCount, 0, len(counts))
	for tok, n := range counts {
		sorted = append(sorted, tokenCount{tok, n})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].count != sorted[j].count {
			return sorted[i].count > sorted[j].count
		}
		return sorted[i].token < sorted[j].token
	})

	keep := maxSize - 4
	if keep > len(sorted) {
		keep = len(sorted)
	}

	tokens := make([]string, keep)
	for i := 0; i < keep; i++ {
		tokens[i] = sorted[i].token
	}

	return NewVocab(tokens)
}

// Size returns the number of entries including special tokens.
func (v *Vocab) Size() int {
	return len(v.tokens)
}

// ID returns the token's ID, falling back to [UNK] for unknown tokens.
func (v *Vocab) ID(token string) int {
	if id, ok := v.ids[token]; ok {
		return id
	}
	return v.ids[unkToken]
}

// Token returns the token string for an ID.
func (v *Vocab) Token(id int) string {
	if id < 0 || id >= len(v.tokens) {
		panic(fmt.Sprintf("vocab: ID %d out of range [0,%d)", id, len(v.tokens)))
	}
	return v.tokens[id]
}

// PadID returns the [PAD] token ID.
func (v *Vocab) PadID() int { return v.ids[padToken] }

// ClsID returns the [CLS] token ID.
func (v *Vocab) ClsID() int { return v.ids[clsToken] }

// SepID returns the [SEP] token ID.
func (v *Vocab) SepID() int { return v.ids[sepToken] }

// Tokens returns a copy of the full token list in ID order.
func (v *Vocab) Tokens() []string {
	out := make([]string, len(v.tokens))
	copy(out, v.tokens)
	return out
}

// Save writes the vocabulary as plain text, one token per line in ID
// order. The same format is embedded in model archives.
func (v *Vocab) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("saving vocab: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, tok := range v.tokens {
		if _, err := fmt.Fprintln(w, tok); err != nil {
			return fmt.Errorf("saving vocab: %w", err)
		}
	}
	return w.Flush()
}

// LoadVocab reads a vocabulary saved by Save.
func LoadVocab(path string) (*Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loading vocab: %w", err)
	}
	defer f.Close()

	var tokens []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		tokens = append(tokens, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("loading vocab: %w", err)
	}

	return vocabFromTokenList(tokens)
}

// vocabFromTokenList reconstructs a Vocab from a complete ID-ordered
// token list (special tokens already at the front).
func vocabFromTokenList(tokens []string) (*Vocab, error) {
	if len(tokens) < 4 || tokens[0] != padToken || tokens[1] != unkToken ||
		tokens[2] != clsToken || tokens[3] != sepToken {
		return nil, fmt.Errorf("vocab: token list missing special-token prefix")
	}

	ids := make(map[string]int, len(tokens))
	for i, tok := range tokens {
		ids[tok] = i
	}

	return &Vocab{tokens: tokens, ids: ids}, nil
}

// tokenize lowercases text and splits it into word and punctuation
// tokens. Runs of letters or digits form one token; each punctuation
// rune is its own token.
func tokenize(text string) []string {
	var tokens []string
	var word strings.Builder

	flush := func() {
		if word.Len() > 0 {
			tokens = append(tokens, word.String())
			word.Reset()
		}
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(r)
		case unicode.IsSpace(r):
			flush()
		default:
			flush()
			tokens = append(tokens, string(r))
		}
	}
	flush()

	return tokens
}

// Preprocessor converts raw strings into encoder inputs: tokenize, frame
// with [CLS]/[SEP], then truncate or pad to a fixed sequence length.
type Preprocessor struct {
	vocab  *Vocab
	seqLen int
}

// NewPreprocessor creates a preprocessor. seqLen must leave room for the
// [CLS] and [SEP] framing tokens.
func NewPreprocessor(vocab *Vocab, seqLen int) *Preprocessor {
	if seqLen < 3 {
		panic(fmt.Sprintf("preprocessor: sequence length must be at least 3, got %d", seqLen))
	}
	return &Preprocessor{vocab: vocab, seqLen: seqLen}
}

// Vocab returns the underlying vocabulary.
func (p *Preprocessor) Vocab() *Vocab { return p.vocab }

// SequenceLength returns the fixed output sequence length.
func (p *Preprocessor) SequenceLength() int { return p.seqLen }

// Process converts one string into encoder inputs:
//
//	[CLS] tok tok ... [SEP] [PAD] [PAD] ...
//
// Token runs longer than the window are truncated. All positions use
// segment 0; the padding mask is 1 up to and including [SEP].
func (p *Preprocessor) Process(text string) *EncoderInputs {
	words := tokenize(text)
	if max := p.seqLen - 2; len(words) > max {
		words = words[:max]
	}

	tokenIDs := make([]int, p.seqLen)
	segmentIDs := make([]int, p.seqLen)
	paddingMask := make([]int, p.seqLen)

	pos := 0
	tokenIDs[pos] = p.vocab.ClsID()
	paddingMask[pos] = 1
	pos++

	for _, w := range words {
		tokenIDs[pos] = p.vocab.ID(w)
		paddingMask[pos] = 1
		pos++
	}

	tokenIDs[pos] = p.vocab.SepID()
	paddingMask[pos] = 1
	pos++

	for ; pos < p.seqLen; pos++ {
		tokenIDs[pos] = p.vocab.PadID()
	}

	return &EncoderInputs{
		TokenIDs:    tokenIDs,
		SegmentIDs:  segmentIDs,
		PaddingMask: paddingMask,
	}
}

// ProcessPair converts a sentence pair into encoder inputs:
//
//	[CLS] a... [SEP] b... [SEP] [PAD] ...
//
// The first sentence (and its [SEP]) uses segment 0, the second segment
// 1. When the pair overflows the window, the longer side is trimmed
// first so both contribute.
func (p *Preprocessor) ProcessPair(first, second string) *EncoderInputs {
	a := tokenize(first)
	b := tokenize(second)

	// Budget excluding [CLS] and the two [SEP]s.
	budget := p.seqLen - 3
	for len(a)+len(b) > budget {
		if len(a) > len(b) {
			a = a[:len(a)-1]
		} else {
			b = b[:len(b)-1]
		}
	}

	tokenIDs := make([]int, p.seqLen)
	segmentIDs := make([]int, p.seqLen)
	paddingMask := make([]int, p.seqLen)

	pos := 0
	emit := func(id, seg int) {
		tokenIDs[pos] = id
		segmentIDs[pos] = seg
		paddingMask[pos] = 1
		pos++
	}

	emit(p.vocab.ClsID(), 0)
	for _, w := range a {
		emit(p.vocab.ID(w), 0)
	}
	emit(p.vocab.SepID(), 0)
	for _, w := range b {
		emit(p.vocab.ID(w), 1)
	}
	emit(p.vocab.SepID(), 1)

	for ; pos < p.seqLen; pos++ {
		tokenIDs[pos] = p.vocab.PadID()
	}

	return &EncoderInputs{
		TokenIDs:    tokenIDs,
		SegmentIDs:  segmentIDs,
		PaddingMask: paddingMask,
	}
}

// ProcessBatch converts a batch of strings.
func (p *Preprocessor) ProcessBatch(texts []string) []*EncoderInputs {
	out := make([]*EncoderInputs, len(texts))
	for i, text := range texts {
		out[i] = p.Process(text)
	}
	return out
}
