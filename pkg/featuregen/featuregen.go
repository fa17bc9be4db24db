// Package featuregen implements the feature generators (spec §4.C): pure
// functions of a sentence and a position that either register predicate
// counts with the attributes index (extraction mode, during training) or
// collect the borrowed feature pointers that fire at a position
// (instance mode, used both to build training instances and at tag
// time).
package featuregen

import (
	"strconv"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/lab/crftagger/pkg/features"
	"github.com/lab/crftagger/pkg/symtab"
)

// Sentence is the generator's view of one sentence: raw word strings,
// optional POS tags, and (during extraction only) the gold label ids.
type Sentence struct {
	Words []string
	POS   []string // nil when the corpus carries no POS column
	Gold  []symtab.ID
}

// Config selects which generators are active. UseTrans must be true for
// any linear-chain training run (spec §4.C).
type Config struct {
	UseWords       bool
	UsePOS         bool
	UseWordBigrams bool
	UseShape       bool
	UseGaz         bool
	UseSubwords    bool
	UseTrans       bool
}

// emitFunc is how a single-generator function reports one predicate
// candidate (type, value) for the position it was called at.
type emitFunc func(typ, value string)

type extractFunc func(sent *Sentence, i int, emit emitFunc)

// Set is the enabled generator collection for one training or tagging
// run.
type Set struct {
	cfg        Config
	gazetteer  map[string]string // word -> gazetteer tag, caller-supplied
	subwordEnc *tiktoken.Tiktoken
	generators []extractFunc
}

// NewSet builds the active generator list from cfg. gaz is the
// caller-supplied gazetteer lookup table (its catalogue of entries is
// outside this package's concern, only the lookup interface is); it may
// be nil when UseGaz is false.
func NewSet(cfg Config, gaz map[string]string) (*Set, error) {
	s := &Set{cfg: cfg, gazetteer: gaz}

	if cfg.UseWords {
		s.generators = append(s.generators, genWords)
	}
	if cfg.UsePOS {
		s.generators = append(s.generators, genPOS)
	}
	if cfg.UseWordBigrams {
		s.generators = append(s.generators, genWordBigrams)
	}
	if cfg.UseShape {
		s.generators = append(s.generators, genShape)
	}
	if cfg.UseGaz {
		s.generators = append(s.generators, s.genGaz)
	}
	if cfg.UseSubwords {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
		s.subwordEnc = enc
		s.generators = append(s.generators, s.genSubwords)
	}
	return s, nil
}

// Observe runs every enabled generator (plus, always, trans when
// UseTrans) at position i against the gold label pair, registering
// predicate counts with idx. Extraction-mode only; sent.Gold must be set.
func (s *Set) Observe(idx *features.Index, sent *Sentence, i int) {
	curr := sent.Gold[i]
	prev := symtab.SENTINEL
	if i > 0 {
		prev = sent.Gold[i-1]
	}

	emit := func(typ, value string) {
		idx.Observe(typ, value, prev, curr, true, false)
	}
	for _, gen := range s.generators {
		gen(sent, i, emit)
	}

	// The pure label-bigram feature. A transition strictly between
	// adjacent positions; position 0 has no adjacent predecessor, so it
	// contributes no transition feature there (only state features do).
	if s.cfg.UseTrans && i > 0 {
		idx.Observe(features.TransType, "", prev, curr, false, true)
	}
}

// Fill runs every enabled generator (plus trans) at position i,
// collecting borrowed feature pointers into ctx. Used both to build
// training instances (pass 3) and to score a sentence at tag time; ctx
// carries no pair requirement here, only the predicate strings matter.
func (s *Set) Fill(idx *features.Index, sent *Sentence, i int, ctx *features.Context) {
	emit := func(typ, value string) {
		idx.FillContext(typ, value, ctx)
	}
	for _, gen := range s.generators {
		gen(sent, i, emit)
	}
	if s.cfg.UseTrans && i > 0 {
		idx.FillContext(features.TransType, "", ctx)
	}
}

func genWords(sent *Sentence, i int, emit emitFunc) {
	emit("w", sent.Words[i])
}

func genPOS(sent *Sentence, i int, emit emitFunc) {
	if sent.POS == nil {
		return
	}
	emit("p", sent.POS[i])
}

// genWordBigrams also covers the previous-word predicate implicitly: at
// i == 0 there is no position i-1, so the reference is skipped without
// error per the position convention.
func genWordBigrams(sent *Sentence, i int, emit emitFunc) {
	if i == 0 {
		return
	}
	emit("pw", sent.Words[i-1])
	emit("wb", sent.Words[i-1]+"_"+sent.Words[i])
}

func genShape(sent *Sentence, i int, emit emitFunc) {
	emit("shape", wordShape(sent.Words[i]))
}

func wordShape(word string) string {
	var b strings.Builder
	for _, r := range word {
		switch {
		case r >= '0' && r <= '9':
			b.WriteByte('d')
		case r >= 'A' && r <= 'Z':
			b.WriteByte('X')
		case r >= 'a' && r <= 'z':
			b.WriteByte('x')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *Set) genGaz(sent *Sentence, i int, emit emitFunc) {
	tag, ok := s.gazetteer[sent.Words[i]]
	if !ok {
		return
	}
	emit("gaz", tag)
}

func (s *Set) genSubwords(sent *Sentence, i int, emit emitFunc) {
	ids := s.subwordEnc.Encode(sent.Words[i], nil, nil)
	for _, id := range ids {
		emit("sw", strconv.Itoa(id))
	}
}
