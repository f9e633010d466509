// Package ingest turns a tabular submission payload into candidate product rows.
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
)

// Known column names
const (
	ColumnImageURL    = "image_url"
	ColumnTitle       = "title"
	ColumnDescription = "description"
	ColumnChannel     = "channel"
	ColumnLang        = "lang"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Field is one pass-through column value
type Field struct {
	Name  string
	Value string
}

// Fields is an ordered bag of columns this package does not interpret
type Fields []Field

// Get returns the first value stored under name
func (f Fields) Get(name string) (string, bool) {
	for _, field := range f {
		if field.Name == name {
			return field.Value, true
		}
	}
	return "", false
}

// CandidateRow is a parsed row that carries the required image_url
type CandidateRow struct {
	ImageURL    string
	Title       string
	Description string
	Channel     string
	Lang        string
	Extra       Fields
}

// Sheet is a parsed payload. Rows may be iterated any number of times.
type Sheet struct {
	data   []byte
	header []string
}

// Parse reads the header row of raw. Data rows are decoded lazily by Rows.
func Parse(raw []byte) (*Sheet, error) {
	data := bytes.TrimPrefix(raw, utf8BOM)
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, domain.NewValidationError("payload", "payload is empty")
	}

	r := newReader(data)
	header, err := r.Read()
	if err != nil {
		return nil, domain.NewValidationError("payload", fmt.Sprintf("unreadable header row: %v", err))
	}

	for i, name := range header {
		header[i] = strings.ToLower(strings.TrimSpace(strings.ToValidUTF8(name, "")))
	}

	return &Sheet{data: data, header: header}, nil
}

// Header returns the normalised column names
func (s *Sheet) Header() []string {
	return append([]string(nil), s.header...)
}

// Len returns the number of data rows in the payload, including rows that Rows excludes
func (s *Sheet) Len() int {
	n := 0
	for range s.records() {
		n++
	}
	return n
}

// Rows yields, in input order, every data row that has an image_url.
// Rows without one are skipped.
func (s *Sheet) Rows() iter.Seq[CandidateRow] {
	return func(yield func(CandidateRow) bool) {
		for record := range s.records() {
			if record == nil {
				continue
			}
			row, ok := s.toRow(record)
			if !ok {
				continue
			}
			if !yield(row) {
				return
			}
		}
	}
}

// records yields each data record; a malformed record is yielded as nil
func (s *Sheet) records() iter.Seq[[]string] {
	return func(yield func([]string) bool) {
		r := newReader(s.data)
		if _, err := r.Read(); err != nil {
			return
		}

		for {
			record, err := r.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				var parseErr *csv.ParseError
				if !errors.As(err, &parseErr) {
					return
				}
				record = nil
			}
			if !yield(record) {
				return
			}
		}
	}
}

func (s *Sheet) toRow(record []string) (CandidateRow, bool) {
	var row CandidateRow
	seen := make(map[string]bool, len(s.header))

	for i, raw := range record {
		value := strings.TrimSpace(strings.ToValidUTF8(raw, "�"))

		name := fmt.Sprintf("column_%d", i+1)
		if i < len(s.header) && s.header[i] != "" {
			name = s.header[i]
		}

		if seen[name] {
			row.Extra = append(row.Extra, Field{Name: name, Value: value})
			continue
		}
		seen[name] = true

		switch name {
		case ColumnImageURL:
			row.ImageURL = value
		case ColumnTitle:
			row.Title = value
		case ColumnDescription:
			row.Description = value
		case ColumnChannel:
			row.Channel = value
		case ColumnLang:
			row.Lang = value
		default:
			row.Extra = append(row.Extra, Field{Name: name, Value: value})
		}
	}

	return row, row.ImageURL != ""
}

func newReader(data []byte) *csv.Reader {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = false
	return r
}
