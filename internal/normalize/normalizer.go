package normalize

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/cargodesk/intake-be/internal/domain"
	"github.com/cargodesk/intake-be/pkg/logger"
	"github.com/xuri/excelize/v2"
)

const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// FormatFromFilename maps an upload's file extension to an input format.
func FormatFromFilename(name string) (string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, filepath.Ext(name))
	}
}

type Limits struct {
	MaxRows  int
	MaxBytes int64
}

// Normalizer turns a raw tabular upload into an ordered sequence of
// candidate records. Rows stream through one at a time; peak memory is
// bounded by the output slice, never by re-buffering the input table.
type Normalizer struct {
	schema domain.Schema
	limits Limits
	logger *logger.Logger
}

func New(schema domain.Schema, limits Limits, log *logger.Logger) *Normalizer {
	return &Normalizer{
		schema: schema,
		limits: limits,
		logger: log,
	}
}

// Normalize dispatches on the input format.
func (n *Normalizer) Normalize(ctx context.Context, format string, reader io.Reader) ([]domain.CandidateRecord, error) {
	switch format {
	case FormatCSV:
		return n.NormalizeCSV(ctx, reader)
	case FormatXLSX:
		return n.NormalizeXLSX(ctx, reader)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, format)
	}
}

// NormalizeCSV streams a CSV document. The first row is the header; data
// rows are numbered from 1. A row that fails coercion becomes a rejected
// record, not a stream-level error. Exceeding MaxRows or MaxBytes fails the
// whole input.
func (n *Normalizer) NormalizeCSV(ctx context.Context, reader io.Reader) ([]domain.CandidateRecord, error) {
	limited := &byteLimitReader{reader: reader, remaining: n.limits.MaxBytes}

	csvReader := csv.NewReader(limited)
	csvReader.ReuseRecord = true // Optimize memory usage
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	header, err := csvReader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty input", domain.ErrMalformedInput)
	}
	if err != nil {
		if errors.Is(err, domain.ErrInputTooLarge) {
			return nil, domain.ErrInputTooLarge
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedInput, err)
	}

	columns, err := n.headerColumns(header)
	if err != nil {
		return nil, err
	}

	records := make([]domain.CandidateRecord, 0, 64)
	sourceRow := 0

	for {
		row, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		if errors.Is(err, domain.ErrInputTooLarge) {
			return nil, domain.ErrInputTooLarge
		}

		sourceRow++
		if sourceRow > n.limits.MaxRows {
			return nil, fmt.Errorf("%w: more than %d rows", domain.ErrTooManyRows, n.limits.MaxRows)
		}

		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			records = append(records, rejected(sourceRow, fmt.Sprintf("unreadable row: %v", parseErr.Err)))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedInput, err)
		}

		raw := make(map[string]string, len(columns))
		for i, name := range columns {
			if name == "" || i >= len(row) {
				continue
			}
			raw[name] = row[i]
		}

		records = append(records, n.coerceRow(raw, sourceRow))
	}

	n.logger.Debug(ctx, "Normalized CSV input",
		"rows", sourceRow,
		"kind", n.schema.Kind,
	)

	return records, nil
}

// NormalizeXLSX reads the first sheet of a workbook. The zip container has
// to be buffered before parsing, so the byte limit is enforced up front.
func (n *Normalizer) NormalizeXLSX(ctx context.Context, reader io.Reader) ([]domain.CandidateRecord, error) {
	buf, err := io.ReadAll(io.LimitReader(reader, n.limits.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedInput, err)
	}
	if int64(len(buf)) > n.limits.MaxBytes {
		return nil, domain.ErrInputTooLarge
	}

	workbook, err := excelize.OpenReader(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedInput, err)
	}
	defer workbook.Close()

	sheets := workbook.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", domain.ErrMalformedInput)
	}

	rows, err := workbook.Rows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedInput, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("%w: empty input", domain.ErrMalformedInput)
	}
	header, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedInput, err)
	}

	columns, err := n.headerColumns(header)
	if err != nil {
		return nil, err
	}

	records := make([]domain.CandidateRecord, 0, 64)
	sourceRow := 0

	for rows.Next() {
		sourceRow++
		if sourceRow > n.limits.MaxRows {
			return nil, fmt.Errorf("%w: more than %d rows", domain.ErrTooManyRows, n.limits.MaxRows)
		}

		row, err := rows.Columns()
		if err != nil {
			records = append(records, rejected(sourceRow, fmt.Sprintf("unreadable row: %v", err)))
			continue
		}

		raw := make(map[string]string, len(columns))
		for i, name := range columns {
			if name == "" || i >= len(row) {
				continue
			}
			raw[name] = row[i]
		}

		records = append(records, n.coerceRow(raw, sourceRow))
	}

	n.logger.Debug(ctx, "Normalized XLSX input",
		"rows", sourceRow,
		"kind", n.schema.Kind,
	)

	return records, nil
}

// NormalizeRows handles pre-parsed submissions (JSON record lists). Rows are
// numbered from 1 in list order so error reporting matches the payload.
func (n *Normalizer) NormalizeRows(ctx context.Context, rows []map[string]string) ([]domain.CandidateRecord, error) {
	if len(rows) > n.limits.MaxRows {
		return nil, fmt.Errorf("%w: more than %d rows", domain.ErrTooManyRows, n.limits.MaxRows)
	}

	records := make([]domain.CandidateRecord, 0, len(rows))
	for i, raw := range rows {
		records = append(records, n.coerceRow(raw, i+1))
	}
	return records, nil
}

// headerColumns maps header cells to schema field names. Columns outside
// the schema are kept as-is and ignored later; a required field whose
// column is missing entirely fails the whole input.
func (n *Normalizer) headerColumns(header []string) ([]string, error) {
	columns := make([]string, len(header))
	present := make(map[string]bool, len(header))
	for i, cell := range header {
		name := strings.ToLower(strings.TrimSpace(cell))
		name = strings.ReplaceAll(name, " ", "_")
		columns[i] = name
		present[name] = true
	}

	for _, spec := range n.schema.Fields {
		if spec.Required && !present[spec.Name] {
			return nil, fmt.Errorf("%w: missing required column %q", domain.ErrMalformedInput, spec.Name)
		}
	}

	return columns, nil
}

func (n *Normalizer) coerceRow(raw map[string]string, sourceRow int) domain.CandidateRecord {
	fields, naturalKey, err := n.schema.Normalize(raw)
	if err != nil {
		return rejected(sourceRow, err.Error())
	}

	return domain.CandidateRecord{
		SourceRow:  sourceRow,
		Fields:     fields,
		NaturalKey: naturalKey,
	}
}

func rejected(sourceRow int, reason string) domain.CandidateRecord {
	return domain.CandidateRecord{
		SourceRow:    sourceRow,
		Resolution:   domain.ResolutionRejected,
		RejectReason: reason,
	}
}

// byteLimitReader fails the stream once more than remaining bytes have been
// read, so oversized CSV input aborts mid-stream instead of being buffered.
type byteLimitReader struct {
	reader    io.Reader
	remaining int64
}

func (r *byteLimitReader) Read(p []byte) (int, error) {
	if r.remaining < 0 {
		return 0, domain.ErrInputTooLarge
	}
	n, err := r.reader.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		return 0, domain.ErrInputTooLarge
	}
	return n, err
}
