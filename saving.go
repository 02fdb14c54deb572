package textclassifier

// ===========================================================================
// WHAT'S GOING ON HERE: Model Persistence
// ===========================================================================
//
// Two on-disk formats, same information:
//
// Checkpoint (FormatCheckpoint) - a single binary file:
//
//	[uint32 header length][JSON header][tensor data...]
//
// The header carries the encoder config, the head config (absent for
// encoder-only checkpoints such as preset weights), and, for text
// classifiers, the vocabulary and sequence length. Tensor data is raw
// little-endian float64 in Parameters() order, which is why that order
// is fixed.
//
// Archive (FormatArchive) - a tar bundle:
//
//	config.json   the same JSON header
//	weights.bin   the same raw tensor dump
//	vocab.txt     one token per line (text classifiers only)
//
// Load functions sniff the tar magic, so restoring never needs a format
// argument. Restored models must produce outputs numerically equal to
// the saved model's.
// ===========================================================================

import (
	"archive/tar"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// SaveFormat selects the persistence format.
type SaveFormat string

const (
	// FormatCheckpoint is the single-file binary format.
	FormatCheckpoint SaveFormat = "checkpoint"
	// FormatArchive is the tar bundle format.
	FormatArchive SaveFormat = "archive"
)

// checkpointHeader is the JSON metadata block shared by both formats.
type checkpointHeader struct {
	Encoder        EncoderConfig `json:"encoder"`
	Head           *headConfig   `json:"head,omitempty"`
	SequenceLength int           `json:"sequence_length,omitempty"`
	Vocabulary     []string      `json:"vocabulary,omitempty"`
}

type headConfig struct {
	NumClasses int     `json:"num_classes"`
	Dropout    float64 `json:"dropout"`
}

// Save writes the classifier in the chosen format.
func (c *Classifier) Save(path string, format SaveFormat) error {
	header := checkpointHeader{
		Encoder: c.backbone.Config(),
		Head: &headConfig{
			NumClasses: c.numClasses,
			Dropout:    c.dropout.Rate(),
		},
	}
	return save(path, format, header, c.Parameters())
}

// Save writes the text classifier, including its vocabulary and
// sequence length, so LoadTextClassifier can rebuild the preprocessor.
func (t *TextClassifier) Save(path string, format SaveFormat) error {
	header := checkpointHeader{
		Encoder: t.backbone.Config(),
		Head: &headConfig{
			NumClasses: t.numClasses,
			Dropout:    t.dropout.Rate(),
		},
		SequenceLength: t.preprocessor.SequenceLength(),
		Vocabulary:     t.preprocessor.Vocab().Tokens(),
	}
	return save(path, format, header, t.Parameters())
}

// SaveWeights writes an encoder-only checkpoint, the format preset
// weight references point at.
func (e *Encoder) SaveWeights(path string) error {
	header := checkpointHeader{Encoder: e.config}
	return save(path, FormatCheckpoint, header, e.Parameters())
}

// LoadClassifier restores a classifier from either format. The loaded
// model has the saved architecture, weights, and a fresh default
// compilation.
func LoadClassifier(path string) (*Classifier, error) {
	header, weights, err := load(path)
	if err != nil {
		return nil, err
	}
	if header.Head == nil {
		return nil, fmt.Errorf("loading %s: encoder-only checkpoint has no classifier head", path)
	}

	c := NewClassifier(NewEncoder(header.Encoder),
		WithNumClasses(header.Head.NumClasses),
		WithDropout(header.Head.Dropout),
	)
	if err := readParameters(weights, c.Parameters()); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return c, nil
}

// LoadTextClassifier restores a text classifier from either format,
// rebuilding the preprocessor from the saved vocabulary.
func LoadTextClassifier(path string) (*TextClassifier, error) {
	header, weights, err := load(path)
	if err != nil {
		return nil, err
	}
	if header.Head == nil {
		return nil, fmt.Errorf("loading %s: encoder-only checkpoint has no classifier head", path)
	}
	if len(header.Vocabulary) == 0 {
		return nil, fmt.Errorf("loading %s: no vocabulary saved; use LoadClassifier", path)
	}

	vocab, err := vocabFromTokenList(header.Vocabulary)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}

	t := NewTextClassifier(
		NewEncoder(header.Encoder),
		NewPreprocessor(vocab, header.SequenceLength),
		WithNumClasses(header.Head.NumClasses),
		WithDropout(header.Head.Dropout),
	)
	if err := readParameters(weights, t.Parameters()); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return t, nil
}

// LoadEncoderWeights restores backbone weights from an encoder-only
// checkpoint into an existing encoder. The stored configuration must
// match the encoder's.
func LoadEncoderWeights(path string, e *Encoder) error {
	header, weights, err := load(path)
	if err != nil {
		return err
	}
	if header.Encoder != e.config {
		return fmt.Errorf("loading %s: checkpoint config %+v does not match encoder config %+v",
			path, header.Encoder, e.config)
	}
	if err := readParameters(weights, e.Parameters()); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func save(path string, format SaveFormat, header checkpointHeader, params []*Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("saving model: %w", err)
	}
	defer f.Close()

	switch format {
	case FormatCheckpoint:
		err = writeCheckpoint(f, header, params)
	case FormatArchive:
		err = writeArchive(f, header, params)
	default:
		err = fmt.Errorf("unknown save format %q", format)
	}
	if err != nil {
		return fmt.Errorf("saving model: %w", err)
	}

	return f.Close()
}

// load reads either format, returning the header and the raw weight
// bytes for readParameters.
func load(path string) (checkpointHeader, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return checkpointHeader{}, nil, fmt.Errorf("loading model: %w", err)
	}

	var header checkpointHeader
	var weights []byte
	if isTar(raw) {
		header, weights, err = readArchive(raw)
	} else {
		header, weights, err = readCheckpoint(raw)
	}
	if err != nil {
		return checkpointHeader{}, nil, fmt.Errorf("loading %s: %w", path, err)
	}

	return header, weights, nil
}

// isTar checks for the ustar magic at offset 257.
func isTar(raw []byte) bool {
	return len(raw) > 262 && string(raw[257:262]) == "ustar"
}

func writeCheckpoint(w io.Writer, header checkpointHeader, params []*Tensor) error {
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(headerJSON))); err != nil {
		return err
	}
	if _, err := w.Write(headerJSON); err != nil {
		return err
	}

	for _, p := range params {
		if err := binary.Write(w, binary.LittleEndian, p.data); err != nil {
			return err
		}
	}

	return nil
}

func readCheckpoint(raw []byte) (checkpointHeader, []byte, error) {
	if len(raw) < 4 {
		return checkpointHeader{}, nil, errors.New("checkpoint truncated")
	}

	headerLen := binary.LittleEndian.Uint32(raw[:4])
	if int(headerLen) > len(raw)-4 {
		return checkpointHeader{}, nil, errors.New("checkpoint header truncated")
	}

	var header checkpointHeader
	if err := json.Unmarshal(raw[4:4+headerLen], &header); err != nil {
		return checkpointHeader{}, nil, fmt.Errorf("decoding header: %w", err)
	}

	return header, raw[4+headerLen:], nil
}

func writeArchive(w io.Writer, header checkpointHeader, params []*Tensor) error {
	headerJSON, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return err
	}

	var weights bytes.Buffer
	for _, p := range params {
		if err := binary.Write(&weights, binary.LittleEndian, p.data); err != nil {
			return err
		}
	}

	tw := tar.NewWriter(w)

	entries := []struct {
		name string
		data []byte
	}{
		{"config.json", headerJSON},
		{"weights.bin", weights.Bytes()},
	}
	if len(header.Vocabulary) > 0 {
		entries = append(entries, struct {
			name string
			data []byte
		}{"vocab.txt", []byte(strings.Join(header.Vocabulary, "\n") + "\n")})
	}

	for _, e := range entries {
		hdr := &tar.Header{
			Name: e.name,
			Mode: 0o644,
			Size: int64(len(e.data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(e.data); err != nil {
			return err
		}
	}

	return tw.Close()
}

func readArchive(raw []byte) (checkpointHeader, []byte, error) {
	tr := tar.NewReader(bytes.NewReader(raw))

	var header checkpointHeader
	var weights []byte
	sawConfig := false

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return checkpointHeader{}, nil, err
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return checkpointHeader{}, nil, err
		}

		switch hdr.Name {
		case "config.json":
			if err := json.Unmarshal(data, &header); err != nil {
				return checkpointHeader{}, nil, fmt.Errorf("decoding config.json: %w", err)
			}
			sawConfig = true
		case "weights.bin":
			weights = data
		}
		// vocab.txt is informational; the vocabulary also lives in
		// config.json, which loading uses.
	}

	if !sawConfig {
		return checkpointHeader{}, nil, errors.New("archive missing config.json")
	}
	if weights == nil {
		return checkpointHeader{}, nil, errors.New("archive missing weights.bin")
	}

	return header, weights, nil
}

// readParameters fills the parameter tensors from a raw little-endian
// float64 dump. The byte count must match exactly.
func readParameters(raw []byte, params []*Tensor) error {
	total := 0
	for _, p := range params {
		total += p.Size()
	}
	if len(raw) != total*8 {
		return fmt.Errorf("weight data is %d bytes, model needs %d", len(raw), total*8)
	}

	r := bytes.NewReader(raw)
	for _, p := range params {
		if err := binary.Read(r, binary.LittleEndian, p.data); err != nil {
			return err
		}
	}
	return nil
}
