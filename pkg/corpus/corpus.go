// Package corpus implements the reader/writer interfaces spec §6
// delegates format dialects to: the core only assumes sentences arrive
// one at a time, a reader can be reset for multi-pass training, and EOF
// is a boolean result.
package corpus

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/lab/crftagger/internal/errs"
)

// Sentence is the parallel-tuple the core reads and writes: word strings
// plus whichever optional columns the dialect carries, all the same
// length. Predicted is filled in by the tagger before Write.
type Sentence struct {
	Words     []string
	POS       []string
	Chunks    []string
	Entities  []string
	Predicted []string
}

// Reader is the core's only contract with an input format.
type Reader interface {
	// Next returns the next sentence, or ok == false at EOF.
	Next() (sent *Sentence, ok bool, err error)
	// Reset rewinds to the beginning for another training pass.
	Reset() error
}

// Writer emits tagged sentences, with one preface line at the top of
// the output.
type Writer interface {
	WritePreface(text string) error
	Write(sent *Sentence) error
	Close() error
}

// CoNLLReader reads the classic CoNLL column format: one token per
// line, blank lines separate sentences, columns are whitespace
// separated in the order given by Columns (e.g. []string{"word", "pos",
// "label"}).
type CoNLLReader struct {
	path    string
	columns []string
	file    *os.File
	scanner *bufio.Scanner
	line    int
}

func NewCoNLLReader(path string, columns []string) (*CoNLLReader, error) {
	r := &CoNLLReader{path: path, columns: columns}
	if err := r.Reset(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *CoNLLReader) Reset() error {
	if r.file != nil {
		r.file.Close()
	}
	f, err := os.Open(r.path)
	if err != nil {
		return errs.NewIOError(r.path, 0, "cannot open corpus file", err)
	}
	r.file = f
	r.scanner = bufio.NewScanner(f)
	r.scanner.Buffer(make([]byte, 64*1024), 1<<20)
	r.line = 0
	return nil
}

func (r *CoNLLReader) Next() (*Sentence, bool, error) {
	sent := &Sentence{}
	sawAny := false

	for r.scanner.Scan() {
		r.line++
		text := strings.TrimRight(r.scanner.Text(), "\r")
		if text == "" {
			if sawAny {
				return sent, true, nil
			}
			continue
		}
		sawAny = true
		fields := strings.Fields(text)
		if len(fields) < len(r.columns) {
			return nil, false, errs.NewIOError(r.path, r.line, "too few columns for configured dialect", nil)
		}
		for ci, col := range r.columns {
			switch col {
			case "word":
				sent.Words = append(sent.Words, fields[ci])
			case "pos":
				sent.POS = append(sent.POS, fields[ci])
			case "chunk":
				sent.Chunks = append(sent.Chunks, fields[ci])
			case "label":
				sent.Entities = append(sent.Entities, fields[ci])
			}
		}
	}
	if err := r.scanner.Err(); err != nil {
		return nil, false, errs.NewIOError(r.path, r.line, "read failed", err)
	}
	if sawAny {
		return sent, true, nil
	}
	return nil, false, nil
}

// TaggedTokenReader reads one sentence per line, tokens separated by
// whitespace, each token in "word/label" form.
type TaggedTokenReader struct {
	path    string
	file    *os.File
	scanner *bufio.Scanner
	line    int
}

func NewTaggedTokenReader(path string) (*TaggedTokenReader, error) {
	r := &TaggedTokenReader{path: path}
	if err := r.Reset(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *TaggedTokenReader) Reset() error {
	if r.file != nil {
		r.file.Close()
	}
	f, err := os.Open(r.path)
	if err != nil {
		return errs.NewIOError(r.path, 0, "cannot open corpus file", err)
	}
	r.file = f
	r.scanner = bufio.NewScanner(f)
	r.scanner.Buffer(make([]byte, 64*1024), 1<<20)
	r.line = 0
	return nil
}

func (r *TaggedTokenReader) Next() (*Sentence, bool, error) {
	for r.scanner.Scan() {
		r.line++
		text := strings.TrimSpace(r.scanner.Text())
		if text == "" {
			continue
		}
		sent := &Sentence{}
		for _, tok := range strings.Fields(text) {
			idx := strings.LastIndex(tok, "/")
			if idx < 0 {
				return nil, false, errs.NewValueError(fmt.Sprintf("%s:%d: token %q lacks a '/' separator", r.path, r.line, tok))
			}
			sent.Words = append(sent.Words, tok[:idx])
			sent.Entities = append(sent.Entities, tok[idx+1:])
		}
		return sent, true, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, false, errs.NewIOError(r.path, r.line, "read failed", err)
	}
	return nil, false, nil
}

// TaggedTokenWriter writes the same "word/label" dialect TaggedTokenReader
// reads, one sentence per line, using the Predicted column.
type TaggedTokenWriter struct {
	path string
	file *os.File
	w    *bufio.Writer
}

func NewTaggedTokenWriter(path string) (*TaggedTokenWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errs.NewIOError(path, 0, "cannot create output file", err)
	}
	return &TaggedTokenWriter{path: path, file: f, w: bufio.NewWriter(f)}, nil
}

func (w *TaggedTokenWriter) WritePreface(text string) error {
	if _, err := fmt.Fprintf(w.w, "# %s\n", text); err != nil {
		return errs.NewIOError(w.path, 0, "write failed", err)
	}
	return nil
}

func (w *TaggedTokenWriter) Write(sent *Sentence) error {
	labels := sent.Predicted
	if labels == nil {
		labels = sent.Entities
	}
	tokens := make([]string, len(sent.Words))
	for i, word := range sent.Words {
		label := ""
		if i < len(labels) {
			label = labels[i]
		}
		tokens[i] = word + "/" + label
	}
	if _, err := fmt.Fprintln(w.w, strings.Join(tokens, " ")); err != nil {
		return errs.NewIOError(w.path, 0, "write failed", err)
	}
	return nil
}

func (w *TaggedTokenWriter) Close() error {
	if err := w.w.Flush(); err != nil {
		return errs.NewIOError(w.path, 0, "flush failed", err)
	}
	return w.file.Close()
}
