package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/timmy/flowline/internal/domain"
)

// CSVImporter parses a CSV of book rows and normalizes each one. Expected
// header: title,author,isbn,year — extra columns are ignored, order is
// taken from the header.
type CSVImporter struct{}

func NewCSVImporter() *CSVImporter {
	return &CSVImporter{}
}

func (p *CSVImporter) Kind() domain.JobKind {
	return domain.JobKindCSVImport
}

// Parse reads the CSV once and emits one item per data row. The raw row
// text is kept as the item payload so batch sizing reflects actual row
// width. A malformed record aborts the parse; the job fails before any
// item is processed rather than importing a ragged file halfway.
func (p *CSVImporter) Parse(ctx context.Context, input []byte) ([]Item, error) {
	reader := csv.NewReader(bytes.NewReader(input))
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, domain.Validation("CSV input is empty")
	}
	if err != nil {
		return nil, domain.Validation("invalid CSV header: %v", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"title", "author", "isbn"} {
		if _, ok := cols[required]; !ok {
			return nil, domain.Validation("CSV header missing column %q", required)
		}
	}

	var items []Item
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, domain.Validation("invalid CSV record: %v", err)
		}
		row, err := rowJSON(cols, record)
		if err != nil {
			return nil, err
		}
		items = append(items, Item{
			Index:   len(items),
			ID:      field(cols, record, "isbn"),
			Payload: row,
		})
	}
	if len(items) == 0 {
		return nil, domain.Validation("CSV input has no data rows")
	}
	return items, nil
}

// Process validates one row and returns the normalized record.
func (p *CSVImporter) Process(ctx context.Context, jobID string, item Item) (map[string]interface{}, error) {
	var row bookRow
	if err := row.unmarshal(item.Payload); err != nil {
		return nil, err
	}

	if row.Title == "" {
		return nil, domain.Validation("row %d: title is required", item.Index)
	}
	if row.Author == "" {
		return nil, domain.Validation("row %d: author is required", item.Index)
	}
	isbn := normalizeISBN(row.ISBN)
	if isbn == "" {
		return nil, domain.Validation("row %d: invalid ISBN %q", item.Index, row.ISBN)
	}
	if row.Year != 0 && (row.Year < 1400 || row.Year > time.Now().Year()+1) {
		return nil, domain.Validation("row %d: implausible year %d", item.Index, row.Year)
	}

	result := map[string]interface{}{
		"title":  row.Title,
		"author": row.Author,
		"isbn":   isbn,
	}
	if row.Year != 0 {
		result["year"] = row.Year
	}
	return result, nil
}

type bookRow struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	ISBN   string `json:"isbn"`
	Year   int    `json:"year,omitempty"`
}

func (r *bookRow) unmarshal(payload []byte) error {
	if err := json.Unmarshal(payload, r); err != nil {
		return domain.Validation("corrupt row payload: %v", err)
	}
	return nil
}

func rowJSON(cols map[string]int, record []string) ([]byte, error) {
	row := bookRow{
		Title:  field(cols, record, "title"),
		Author: field(cols, record, "author"),
		ISBN:   field(cols, record, "isbn"),
	}
	if raw := field(cols, record, "year"); raw != "" {
		year, err := strconv.Atoi(raw)
		if err != nil {
			return nil, domain.Validation("invalid year %q", raw)
		}
		row.Year = year
	}
	return json.Marshal(row)
}

func field(cols map[string]int, record []string, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// normalizeISBN strips separators and checks the plausible shapes: 10
// digits (last may be X) or 13 digits.
func normalizeISBN(raw string) string {
	s := strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(raw))
	switch len(s) {
	case 10:
		for i, r := range s {
			if r >= '0' && r <= '9' {
				continue
			}
			if r == 'X' && i == 9 {
				continue
			}
			return ""
		}
		return s
	case 13:
		for _, r := range s {
			if r < '0' || r > '9' {
				return ""
			}
		}
		return s
	default:
		return ""
	}
}
