// Package features implements the attributes index (spec §4.B): a hash
// map keyed by (predicate type-tag, value) whose entries own an ordered
// list of Features, one per distinct (prev, curr) label pair observed at
// that predicate.
package features

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/lab/crftagger/internal/errs"
	"github.com/lab/crftagger/pkg/symtab"
)

// TransType is the reserved predicate type for the pure label-bigram
// feature, keyed by the empty value. The trans generator must always be
// enabled for linear-chain training (spec §4.C).
const TransType = "trans"

// Feature is one active (predicate, prev, curr) triple.
type Feature struct {
	Prev        symtab.ID
	Curr        symtab.ID
	Freq        int
	Lambda      int32 // index into the weight vector; -1 until assigned
	Expectation float64
}

// IsState reports whether f is a state feature (prev == NONE).
func (f *Feature) IsState() bool { return f.Prev == symtab.NONE }

type pairKey struct {
	prev symtab.ID
	curr symtab.ID
}

type entry struct {
	typ      string
	value    string
	features []*Feature
	byPair   map[pairKey]int
	aggFreq  int
	id       int32
}

func (e *entry) upsert(prev, curr symtab.ID) *Feature {
	key := pairKey{prev, curr}
	if idx, ok := e.byPair[key]; ok {
		return e.features[idx]
	}
	f := &Feature{Prev: prev, Curr: curr, Lambda: -1}
	e.byPair[key] = len(e.features)
	e.features = append(e.features, f)
	return f
}

type state int

const (
	StateEmpty state = iota
	StatePopulated
	StateWeightsBound
	StatePersisted
)

// Index is the attributes index. Its state machine (spec §4.B) gates
// which operations are legal: Observe only in Empty; cutoff/Compact only
// in Populated; AssignWeights moves Populated -> WeightsBound.
type Index struct {
	st         state
	entries    map[string]*entry // key: typ + "\x00" + value
	order      []*entry          // insertion order, for reproducible extraction passes
	transEntry *entry
}

func New() *Index {
	return &Index{entries: make(map[string]*entry)}
}

func key(typ, value string) string { return typ + "\x00" + value }

func (idx *Index) requireState(want state, op string) {
	if idx.st != want {
		panic(fmt.Sprintf("features.Index: %s called in state %d, want %d", op, idx.st, want))
	}
}

func (idx *Index) entryFor(typ, value string) *entry {
	k := key(typ, value)
	e, ok := idx.entries[k]
	if !ok {
		e = &entry{typ: typ, value: value, byPair: make(map[pairKey]int)}
		idx.entries[k] = e
		idx.order = append(idx.order, e)
		if typ == TransType {
			idx.transEntry = e
		}
	}
	return e
}

// Observe upserts the (type, value) entry and increments the requested
// feature counts: a transition feature for (prev, curr) when
// includeTrans, and/or a state feature for curr (prev = NONE) when
// includeState.
func (idx *Index) Observe(typ, value string, prev, curr symtab.ID, includeState, includeTrans bool) {
	if idx.st != StateEmpty {
		panic("features.Index: Observe called after extraction phase closed")
	}
	e := idx.entryFor(typ, value)
	if includeTrans {
		f := e.upsert(prev, curr)
		f.Freq++
		e.aggFreq++
	}
	if includeState {
		f := e.upsert(symtab.NONE, curr)
		f.Freq++
		e.aggFreq++
	}
}

// Close ends the extraction phase, moving Empty -> Populated. No more
// Observe calls are permitted afterward.
func (idx *Index) Close() {
	idx.requireState(StateEmpty, "Close")
	idx.st = StatePopulated
}

// Context is the feature activation record for one sentence position:
// the gold (prev, curr) pair and the borrowed feature pointers that fired
// here.
type Context struct {
	Prev     symtab.ID
	Curr     symtab.ID
	Features []*Feature
}

// Instance is the sequence of Contexts for one training sentence.
type Instance []Context

// FillContext appends the borrowed feature pointers of the (type, value)
// entry into ctx. Used during pass-3 instance building and at tag time.
func (idx *Index) FillContext(typ, value string, ctx *Context) {
	e, ok := idx.entries[key(typ, value)]
	if !ok || e.aggFreq == 0 {
		return
	}
	for _, f := range e.features {
		if f.Freq > 0 {
			ctx.Features = append(ctx.Features, f)
		}
	}
}

// TransFeatures returns the borrowed pointers of the cached trans entry,
// for the SGD driver's fast pure-transition update (spec §4.E).
func (idx *Index) TransFeatures() []*Feature {
	if idx.transEntry == nil {
		return nil
	}
	return idx.transEntry.features
}

// ApplyAttributeCutoff zeros an entry's aggregate value when it is below
// freq; a zeroed entry is skipped by all later operations.
func (idx *Index) ApplyAttributeCutoff(freq int) {
	idx.requireState(StatePopulated, "ApplyAttributeCutoff")
	for _, e := range idx.order {
		if e.aggFreq < freq {
			e.aggFreq = 0
		}
	}
}

// ApplyFeatureCutoff zeros the freq of any Feature within an entry of the
// given type whose freq is below threshold, decreasing the entry's
// aggregate value accordingly. Entries of other types are left alone
// unless defaultFreq >= 0, in which case it is used as their threshold.
func (idx *Index) ApplyFeatureCutoff(typ string, freq int, defaultFreq int) {
	idx.requireState(StatePopulated, "ApplyFeatureCutoff")
	for _, e := range idx.order {
		threshold := defaultFreq
		if e.typ == typ {
			threshold = freq
		} else if defaultFreq < 0 {
			continue
		}
		for _, f := range e.features {
			if f.Freq > 0 && f.Freq < threshold {
				e.aggFreq -= f.Freq
				f.Freq = 0
			}
		}
	}
}

// sortedEntries returns the active entries (aggFreq > 0) in the canonical
// order used by Compact, AssignWeights, and Save/Load alike: descending
// aggregate frequency, ties broken by (type, value) for reproducibility.
func (idx *Index) sortedEntries() []*entry {
	active := make([]*entry, 0, len(idx.order))
	for _, e := range idx.order {
		if e.aggFreq > 0 {
			active = append(active, e)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].aggFreq != active[j].aggFreq {
			return active[i].aggFreq > active[j].aggFreq
		}
		if active[i].typ != active[j].typ {
			return active[i].typ < active[j].typ
		}
		return active[i].value < active[j].value
	})
	return active
}

// Compact drops entries whose aggregate value is 0 and renumbers the
// remaining ones with sequential ids in canonical order.
func (idx *Index) Compact() {
	idx.requireState(StatePopulated, "Compact")
	active := idx.sortedEntries()
	newEntries := make(map[string]*entry, len(active))
	newOrder := make([]*entry, len(active))
	for i, e := range active {
		e.id = int32(i + 1) // 1-based, matching the persisted file's line numbering
		newEntries[key(e.typ, e.value)] = e
		newOrder[i] = e
	}
	idx.entries = newEntries
	idx.order = newOrder
}

// NumActiveFeatures counts the Features with Freq > 0 across all active
// entries, i.e. the size the weight vector must have.
func (idx *Index) NumActiveFeatures() int {
	n := 0
	for _, e := range idx.order {
		for _, f := range e.features {
			if f.Freq > 0 {
				n++
			}
		}
	}
	return n
}

// AssignWeights sweeps entries in canonical order and assigns each active
// Feature a distinct slot in vec, storing the slot index in Feature.Lambda.
func (idx *Index) AssignWeights(vec []float64) {
	idx.requireState(StatePopulated, "AssignWeights")
	slot := int32(0)
	for _, e := range idx.order {
		for _, f := range e.features {
			if f.Freq > 0 {
				f.Lambda = slot
				slot++
			} else {
				f.Lambda = -1
			}
		}
	}
	if int(slot) != len(vec) {
		panic(fmt.Sprintf("features.Index: AssignWeights given vector of length %d, want %d", len(vec), slot))
	}
	idx.st = StateWeightsBound
}

// ZeroExpectations clears every active Feature's expectation accumulator.
// optimize.Model.Evaluate calls this once per evaluation, not once per
// sentence (spec §5).
func (idx *Index) ZeroExpectations() {
	for _, e := range idx.order {
		for _, f := range e.features {
			f.Expectation = 0
		}
	}
}

// SumLambdaSq returns Sigma lambda^2 over all active features, using the
// current weight vector (Feature.Lambda indexes into it).
func (idx *Index) SumLambdaSq(vec []float64) float64 {
	var sum float64
	for _, e := range idx.order {
		for _, f := range e.features {
			if f.Freq > 0 {
				l := vec[f.Lambda]
				sum += l * l
			}
		}
	}
	return sum
}

// AccumulateGradient writes out[i] = freq_i - expectation_i - lambda_i/sigma2
// for each active feature, in the same order AssignWeights used.
func (idx *Index) AccumulateGradient(out []float64, vec []float64, invSigma2 float64) {
	for _, e := range idx.order {
		for _, f := range e.features {
			if f.Freq > 0 {
				out[f.Lambda] = float64(f.Freq) - f.Expectation - vec[f.Lambda]*invSigma2
			}
		}
	}
}

// Save writes the attributes and features files of the persisted model
// directory (spec §6): attributes sorted by descending aggregate freq
// (that sort order defines attribute id k, 1-based), features grouped by
// attr-id ascending with a stable order within each group.
func (idx *Index) Save(attributesPath, featuresPath string, vec []float64) error {
	active := idx.order // Compact already sorted + numbered these
	if len(active) == 0 {
		active = idx.sortedEntries()
	}

	af, err := os.Create(attributesPath)
	if err != nil {
		return errs.NewIOError(attributesPath, 0, "cannot create attributes file", err)
	}
	defer af.Close()
	aw := bufio.NewWriter(af)
	fmt.Fprintf(aw, "# attributes\n")

	ff, err := os.Create(featuresPath)
	if err != nil {
		return errs.NewIOError(featuresPath, 0, "cannot create features file", err)
	}
	defer ff.Close()
	fw := bufio.NewWriter(ff)
	fmt.Fprintf(fw, "# features\n")

	for i, e := range active {
		attrID := i + 1
		fmt.Fprintf(aw, "%s %s %d\n", e.typ, e.value, e.aggFreq)
		for _, f := range e.features {
			if f.Freq == 0 {
				continue
			}
			lambda := 0.0
			if f.Lambda >= 0 && int(f.Lambda) < len(vec) {
				lambda = vec[f.Lambda]
			}
			fmt.Fprintf(fw, "%d %d %d %d %g\n", attrID, f.Prev, f.Curr, f.Freq, lambda)
		}
	}

	if err := aw.Flush(); err != nil {
		return errs.NewIOError(attributesPath, 0, "write failed", err)
	}
	if err := fw.Flush(); err != nil {
		return errs.NewIOError(featuresPath, 0, "write failed", err)
	}
	idx.st = StatePersisted
	return nil
}

// Load reconstructs an Index (and the weight vector it references) from
// the attributes and features files Save wrote. The returned index is in
// StateWeightsBound: Feature.Lambda already indexes into the returned
// vector.
func Load(attributesPath, featuresPath string) (*Index, []float64, error) {
	idx := New()

	af, err := os.Open(attributesPath)
	if err != nil {
		return nil, nil, errs.NewIOError(attributesPath, 0, "cannot open attributes file", err)
	}
	defer af.Close()

	type attrRow struct{ typ, value string }
	var rows []attrRow
	sc := bufio.NewScanner(af)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		if line == 1 {
			continue
		}
		text := sc.Text()
		if text == "" {
			continue
		}
		// Split on single spaces: the trans entry's value is empty, so its
		// line reads "trans  <freq>".
		parts := strings.Split(text, " ")
		if len(parts) != 3 {
			return nil, nil, errs.NewIOError(attributesPath, line, "malformed attributes line", nil)
		}
		typ, value := parts[0], parts[1]
		freq, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, nil, errs.NewIOError(attributesPath, line, "malformed attributes line", err)
		}
		e := &entry{typ: typ, value: value, byPair: make(map[pairKey]int), aggFreq: freq, id: int32(len(rows) + 1)}
		idx.entries[key(typ, value)] = e
		idx.order = append(idx.order, e)
		if typ == TransType {
			idx.transEntry = e
		}
		rows = append(rows, attrRow{typ, value})
	}
	if err := sc.Err(); err != nil {
		return nil, nil, errs.NewIOError(attributesPath, line, "read failed", err)
	}

	ff, err := os.Open(featuresPath)
	if err != nil {
		return nil, nil, errs.NewIOError(featuresPath, 0, "cannot open features file", err)
	}
	defer ff.Close()

	var vec []float64
	sc2 := bufio.NewScanner(ff)
	sc2.Buffer(make([]byte, 64*1024), 1<<20)
	line = 0
	for sc2.Scan() {
		line++
		if line == 1 {
			continue
		}
		text := sc2.Text()
		if text == "" {
			continue
		}
		var attrID, prev, curr, freq int
		var lambda float64
		n, err := fmt.Sscanf(text, "%d %d %d %d %g", &attrID, &prev, &curr, &freq, &lambda)
		if err != nil || n != 5 {
			return nil, nil, errs.NewIOError(featuresPath, line, "malformed features line", err)
		}
		if attrID < 1 || attrID > len(idx.order) {
			return nil, nil, errs.NewInternalError(fmt.Sprintf("features file references unknown attribute id %d", attrID))
		}
		e := idx.order[attrID-1]
		f := &Feature{Prev: symtab.ID(prev), Curr: symtab.ID(curr), Freq: freq, Lambda: int32(len(vec))}
		e.byPair[pairKey{f.Prev, f.Curr}] = len(e.features)
		e.features = append(e.features, f)
		vec = append(vec, lambda)
	}
	if err := sc2.Err(); err != nil {
		return nil, nil, errs.NewIOError(featuresPath, line, "read failed", err)
	}

	idx.st = StateWeightsBound
	return idx, vec, nil
}
