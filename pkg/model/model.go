// Package model implements the persisted model directory (spec §6): the
// five files a trained CRF is serialized to, and the single-run
// crash-resume checkpoint store used while training one of them.
package model

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lab/crftagger/internal/errs"
	"github.com/lab/crftagger/pkg/features"
	"github.com/lab/crftagger/pkg/symtab"
)

const (
	lexiconFile    = "lexicon"
	tagsFile       = "tags"
	attributesFile = "attributes"
	featuresFile   = "features"
	infoFile       = "info"
)

// Model is everything needed to tag a sentence, or to resume reporting
// on a trained one: the two symbol tables, the attributes index, its
// bound weight vector, and the longest sentence length seen in training
// (so a tagger can size its forward-backward/decoder buffers up front,
// per spec §9's per-position buffer sizing note).
type Model struct {
	Lexicon    *symtab.Table
	Tags       *symtab.Table
	Attributes *features.Index
	Weights    []float64
	MaxSize    int
}

// Save writes the five-file model directory. Attributes must already be
// in StateWeightsBound (assign_weights has run).
func (m *Model) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errs.NewIOError(dir, 0, "cannot create model directory", err)
	}

	if err := m.Lexicon.Save(filepath.Join(dir, lexiconFile), "lexicon"); err != nil {
		return err
	}
	if err := m.Tags.Save(filepath.Join(dir, tagsFile), "tags"); err != nil {
		return err
	}
	if err := m.Attributes.Save(filepath.Join(dir, attributesFile), filepath.Join(dir, featuresFile), m.Weights); err != nil {
		return err
	}

	return m.writeInfo(dir, len(m.Weights))
}

func (m *Model) writeInfo(dir string, nFeatures int) error {
	path := filepath.Join(dir, infoFile)
	f, err := os.Create(path)
	if err != nil {
		return errs.NewIOError(path, 0, "cannot create info file", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "# info\n")
	fmt.Fprintf(w, "nattributes = %d\n", m.Attributes.NumActiveFeatures())
	fmt.Fprintf(w, "nfeatures = %d\n", nFeatures)
	fmt.Fprintf(w, "max_size = %d\n", m.MaxSize)
	if err := w.Flush(); err != nil {
		return errs.NewIOError(path, 0, "write failed", err)
	}
	return nil
}

// Load reads a model directory previously written by Save, checking that
// the info file's nfeatures agrees with what the attributes/features
// files actually contain; a mismatch is an InternalError (invariant
// violation, not a recoverable I/O condition).
func Load(dir string) (*Model, error) {
	lexicon, err := symtab.Load(filepath.Join(dir, lexiconFile))
	if err != nil {
		return nil, err
	}
	tags, err := symtab.Load(filepath.Join(dir, tagsFile))
	if err != nil {
		return nil, err
	}
	attrs, weights, err := features.Load(filepath.Join(dir, attributesFile), filepath.Join(dir, featuresFile))
	if err != nil {
		return nil, err
	}

	info, err := readInfo(filepath.Join(dir, infoFile))
	if err != nil {
		return nil, err
	}
	if info.nfeatures != len(weights) {
		return nil, errs.NewInternalError(fmt.Sprintf(
			"info declares %d features but the features file has %d", info.nfeatures, len(weights)))
	}

	return &Model{
		Lexicon:    lexicon,
		Tags:       tags,
		Attributes: attrs,
		Weights:    weights,
		MaxSize:    info.maxSize,
	}, nil
}

type infoFields struct {
	nattributes int
	nfeatures   int
	maxSize     int
}

func readInfo(path string) (*infoFields, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.NewIOError(path, 0, "cannot open info file", err)
	}
	defer f.Close()

	info := &infoFields{}
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		parts := strings.SplitN(text, "=", 2)
		if len(parts) != 2 {
			return nil, errs.NewIOError(path, line, "malformed info line, expected key = value", nil)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, errs.NewIOError(path, line, "non-integer info value", err)
		}
		switch key {
		case "nattributes":
			info.nattributes = n
		case "nfeatures":
			info.nfeatures = n
		case "max_size":
			info.maxSize = n
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errs.NewIOError(path, line, "read failed", err)
	}
	return info, nil
}
