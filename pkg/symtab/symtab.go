// Package symtab implements the two append-only symbol tables (spec
// §4.A) shared by words and labels: a canonical string<->id mapping with
// frequency counts, sorted by descending frequency before being
// persisted so the most-used strings get the lowest ids.
package symtab

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/lab/crftagger/internal/errs"
)

// ID is the dense integer id shared by words and labels.
type ID int32

const (
	// NONE is the state-feature marker: "this feature depends only on
	// curr, not on any specific prev label".
	NONE ID = 0
	// SENTINEL is the implicit boundary label used at positions -1 and n.
	SENTINEL ID = 1
)

const (
	noneStr     = "__NONE__"
	sentinelStr = "__SENTINEL__"
)

// firstRealID is the first id available to a real, canonized string.
const firstRealID = 2

type entry struct {
	str  string
	freq int
}

// Table is an append-only string<->id table. It is safe to Add during
// training; after Save/Load it is treated as read-only.
type Table struct {
	byString map[string]ID
	entries  []entry // indexed by id - firstRealID
}

func New() *Table {
	return &Table{byString: make(map[string]ID)}
}

// Add increments the frequency of s, interning it on first sight, and
// returns its id.
func (t *Table) Add(s string) ID {
	if id, ok := t.byString[s]; ok {
		t.entries[id-firstRealID].freq++
		return id
	}
	id := ID(len(t.entries) + firstRealID)
	t.entries = append(t.entries, entry{str: s, freq: 1})
	t.byString[s] = id
	return id
}

// Canonize returns the id for s, or SENTINEL if s was never added. The
// tagset must not invent labels at test time; this is how that contract
// is enforced.
func (t *Table) Canonize(s string) ID {
	if id, ok := t.byString[s]; ok {
		return id
	}
	return SENTINEL
}

// Str is the inverse of Canonize/Add.
func (t *Table) Str(id ID) string {
	switch id {
	case NONE:
		return noneStr
	case SENTINEL:
		return sentinelStr
	}
	idx := int(id) - firstRealID
	if idx < 0 || idx >= len(t.entries) {
		return sentinelStr
	}
	return t.entries[idx].str
}

// Freq returns the training frequency recorded for id, or 0 for the
// sentinels or an unknown id.
func (t *Table) Freq(id ID) int {
	idx := int(id) - firstRealID
	if idx < 0 || idx >= len(t.entries) {
		return 0
	}
	return t.entries[idx].freq
}

// Size is the number of real (non-sentinel) entries.
func (t *Table) Size() int { return len(t.entries) }

// SortByFrequency re-numbers every entry by descending frequency (ties
// broken by the original string, for stable, reproducible ids) so the
// most-used strings get the lowest ids. Call once, after the last Add.
func (t *Table) SortByFrequency() {
	sort.SliceStable(t.entries, func(i, j int) bool {
		if t.entries[i].freq != t.entries[j].freq {
			return t.entries[i].freq > t.entries[j].freq
		}
		return t.entries[i].str < t.entries[j].str
	})
	t.byString = make(map[string]ID, len(t.entries))
	for i, e := range t.entries {
		t.byString[e.str] = ID(i + firstRealID)
	}
}

// Save writes the table as one preface line followed by
// "<string> <freq>\n" per entry, sorted by descending frequency.
func (t *Table) Save(path, preface string) error {
	t.SortByFrequency()

	f, err := os.Create(path)
	if err != nil {
		return errs.NewIOError(path, 0, "cannot create symbol table file", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := fmt.Fprintf(w, "# %s\n", preface); err != nil {
		return errs.NewIOError(path, 0, "write failed", err)
	}
	for _, e := range t.entries {
		if _, err := fmt.Fprintf(w, "%s %d\n", e.str, e.freq); err != nil {
			return errs.NewIOError(path, 0, "write failed", err)
		}
	}
	return w.Flush()
}

// Load reads a table previously written by Save. A line missing its
// trailing newline after the frequency is a load failure.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.NewIOError(path, 0, "cannot open symbol table file", err)
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		return nil, errs.NewIOError(path, bytes.Count(data, []byte("\n"))+1, "missing trailing newline", nil)
	}

	t := New()
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if line == 1 {
			continue // preface
		}
		if text == "" {
			continue
		}
		var s string
		var freq int
		n, err := fmt.Sscanf(text, "%s %d", &s, &freq)
		if err != nil || n != 2 {
			return nil, errs.NewIOError(path, line, "malformed symbol table line", err)
		}
		id := ID(len(t.entries) + firstRealID)
		t.entries = append(t.entries, entry{str: s, freq: freq})
		t.byString[s] = id
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.NewIOError(path, line, "read failed", err)
	}
	return t, nil
}
