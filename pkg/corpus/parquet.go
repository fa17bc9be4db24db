package corpus

import (
	"fmt"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/lab/crftagger/internal/errs"
)

// parquetTokenRow is one flattened token row: a sentence is however many
// consecutive rows share SentenceID. Parquet is columnar, not
// sentence-shaped, so the row schema carries the grouping key itself.
type parquetTokenRow struct {
	SentenceID int32  `parquet:"name=sentence_id, type=INT32"`
	Position   int32  `parquet:"name=position, type=INT32"`
	Word       string `parquet:"name=word, type=BYTE_ARRAY, convertedtype=UTF8"`
	POS        string `parquet:"name=pos, type=BYTE_ARRAY, convertedtype=UTF8"`
	Label      string `parquet:"name=label, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ParquetReader reads a columnar token table, one row per token, and
// regroups rows sharing SentenceID back into Sentence values. The whole
// file is read up front: training corpora of realistic size fit in
// memory, and Reset needs the full row set anyway to rewind.
type ParquetReader struct {
	path  string
	rows  []parquetTokenRow
	group [][]parquetTokenRow
	next  int
}

func NewParquetReader(path string) (*ParquetReader, error) {
	r := &ParquetReader{path: path}
	if err := r.Reset(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ParquetReader) Reset() error {
	fr, err := local.NewLocalFileReader(r.path)
	if err != nil {
		return errs.NewIOError(r.path, 0, "cannot open parquet file", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(parquetTokenRow), 4)
	if err != nil {
		return errs.NewIOError(r.path, 0, "cannot open parquet reader", err)
	}
	defer pr.ReadStop()

	total := int(pr.GetNumRows())
	rows := make([]parquetTokenRow, total)
	if total > 0 {
		if err := pr.Read(&rows); err != nil {
			return errs.NewIOError(r.path, 0, "parquet read failed", err)
		}
	}

	r.rows = rows
	r.group = groupBySentence(rows)
	r.next = 0
	return nil
}

func groupBySentence(rows []parquetTokenRow) [][]parquetTokenRow {
	var groups [][]parquetTokenRow
	var cur []parquetTokenRow
	haveCur := false
	var curID int32
	for _, row := range rows {
		if haveCur && row.SentenceID == curID {
			cur = append(cur, row)
			continue
		}
		if haveCur {
			groups = append(groups, cur)
		}
		cur = []parquetTokenRow{row}
		curID = row.SentenceID
		haveCur = true
	}
	if haveCur {
		groups = append(groups, cur)
	}
	return groups
}

func (r *ParquetReader) Next() (*Sentence, bool, error) {
	if r.next >= len(r.group) {
		return nil, false, nil
	}
	rows := r.group[r.next]
	r.next++

	sent := &Sentence{}
	for _, row := range rows {
		sent.Words = append(sent.Words, row.Word)
		sent.POS = append(sent.POS, row.POS)
		sent.Entities = append(sent.Entities, row.Label)
	}
	return sent, true, nil
}

// ParquetWriter writes tagged sentences back out in the same flattened
// token-row schema ParquetReader consumes.
type ParquetWriter struct {
	path       string
	fw         *local.LocalFileWriter
	pw         *writer.ParquetWriter
	nextSentID int32
}

func NewParquetWriter(path string) (*ParquetWriter, error) {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return nil, errs.NewIOError(path, 0, "cannot create parquet file", err)
	}
	pw, err := writer.NewParquetWriter(fw, new(parquetTokenRow), 4)
	if err != nil {
		fw.Close()
		return nil, errs.NewIOError(path, 0, "cannot open parquet writer", err)
	}
	return &ParquetWriter{path: path, fw: fw, pw: pw}, nil
}

// WritePreface is a no-op for the columnar dialect: there is no header
// row in the schema to carry free text.
func (w *ParquetWriter) WritePreface(text string) error { return nil }

func (w *ParquetWriter) Write(sent *Sentence) error {
	labels := sent.Predicted
	if labels == nil {
		labels = sent.Entities
	}
	sentID := w.nextSentID
	w.nextSentID++

	for i, word := range sent.Words {
		row := parquetTokenRow{SentenceID: sentID, Position: int32(i), Word: word}
		if i < len(sent.POS) {
			row.POS = sent.POS[i]
		}
		if i < len(labels) {
			row.Label = labels[i]
		}
		if err := w.pw.Write(row); err != nil {
			return errs.NewIOError(w.path, 0, fmt.Sprintf("parquet write failed at sentence %d", sentID), err)
		}
	}
	return nil
}

func (w *ParquetWriter) Close() error {
	if err := w.pw.WriteStop(); err != nil {
		w.fw.Close()
		return errs.NewIOError(w.path, 0, "parquet write stop failed", err)
	}
	return w.fw.Close()
}
