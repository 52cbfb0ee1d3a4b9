package normalize

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/cargodesk/intake-be/internal/domain"
	"github.com/cargodesk/intake-be/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func customersNormalizer(t *testing.T, limits Limits) *Normalizer {
	t.Helper()
	schema, err := domain.SchemaFor(domain.KindCustomers)
	require.NoError(t, err)
	return New(schema, limits, logger.NewNop())
}

func defaultLimits() Limits {
	return Limits{MaxRows: 1000, MaxBytes: 1 << 20}
}

func TestNormalizeCSV_ValidRows(t *testing.T) {
	n := customersNormalizer(t, defaultLimits())

	csv := `name,phone,email
JOHN DOE,+62 811-234-5678,john@example.com
JANE DOE,0811 222 3333,`

	records, err := n.NormalizeCSV(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, 1, records[0].SourceRow)
	assert.Equal(t, "JOHN DOE", records[0].Fields["name"])
	assert.Equal(t, "+628112345678", records[0].Fields["phone"])
	assert.Equal(t, "+628112345678", records[0].NaturalKey)
	assert.Empty(t, records[0].Resolution)

	assert.Equal(t, 2, records[1].SourceRow)
	assert.Equal(t, "08112223333", records[1].NaturalKey)
}

func TestNormalizeCSV_RowOrderPreserved(t *testing.T) {
	n := customersNormalizer(t, defaultLimits())

	var sb strings.Builder
	sb.WriteString("name,phone\n")
	for i := 0; i < 50; i++ {
		sb.WriteString("CUSTOMER,0811000")
		sb.WriteString(string(rune('0'+i%10)) + string(rune('0'+i/10)))
		sb.WriteString("00\n")
	}

	records, err := n.NormalizeCSV(context.Background(), strings.NewReader(sb.String()))
	require.NoError(t, err)
	require.Len(t, records, 50)
	for i, rec := range records {
		assert.Equal(t, i+1, rec.SourceRow)
	}
}

func TestNormalizeCSV_BadRowRejectedNotFatal(t *testing.T) {
	n := customersNormalizer(t, defaultLimits())

	csv := `name,phone
GOOD ONE,08111111111
,08122222222
BAD PHONE,not-a-phone
GOOD TWO,08133333333`

	records, err := n.NormalizeCSV(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, records, 4)

	assert.Empty(t, records[0].Resolution)

	assert.Equal(t, domain.ResolutionRejected, records[1].Resolution)
	assert.Equal(t, 2, records[1].SourceRow)
	assert.Contains(t, records[1].RejectReason, "name")

	assert.Equal(t, domain.ResolutionRejected, records[2].Resolution)
	assert.Contains(t, records[2].RejectReason, "phone")

	assert.Empty(t, records[3].Resolution)
	assert.Equal(t, 4, records[3].SourceRow)
}

func TestNormalizeCSV_MissingRequiredColumn(t *testing.T) {
	n := customersNormalizer(t, defaultLimits())

	csv := "name,email\nJOHN,j@example.com\n"

	_, err := n.NormalizeCSV(context.Background(), strings.NewReader(csv))
	assert.ErrorIs(t, err, domain.ErrMalformedInput)
}

func TestNormalizeCSV_EmptyInput(t *testing.T) {
	n := customersNormalizer(t, defaultLimits())

	_, err := n.NormalizeCSV(context.Background(), strings.NewReader(""))
	assert.ErrorIs(t, err, domain.ErrMalformedInput)
}

func TestNormalizeCSV_MaxRowsExceeded(t *testing.T) {
	n := customersNormalizer(t, Limits{MaxRows: 3, MaxBytes: 1 << 20})

	csv := `name,phone
A,08111111111
B,08122222222
C,08133333333
D,08144444444`

	_, err := n.NormalizeCSV(context.Background(), strings.NewReader(csv))
	assert.ErrorIs(t, err, domain.ErrTooManyRows)
}

func TestNormalizeCSV_MaxBytesExceeded(t *testing.T) {
	n := customersNormalizer(t, Limits{MaxRows: 1000, MaxBytes: 64})

	var sb strings.Builder
	sb.WriteString("name,phone\n")
	for i := 0; i < 100; i++ {
		sb.WriteString("LONG CUSTOMER NAME,08111111111\n")
	}

	_, err := n.NormalizeCSV(context.Background(), strings.NewReader(sb.String()))
	assert.ErrorIs(t, err, domain.ErrInputTooLarge)
}

func TestNormalizeCSV_HeaderNamesNormalized(t *testing.T) {
	n := customersNormalizer(t, defaultLimits())

	csv := "Name, Phone \nJOHN,08111111111\n"

	records, err := n.NormalizeCSV(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "JOHN", records[0].Fields["name"])
}

func buildXLSX(t *testing.T, rows [][]string) *bytes.Reader {
	t.Helper()

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return bytes.NewReader(buf.Bytes())
}

func TestNormalizeXLSX_ValidRows(t *testing.T) {
	n := customersNormalizer(t, defaultLimits())

	input := buildXLSX(t, [][]string{
		{"name", "phone", "email"},
		{"JOHN DOE", "08111111111", "john@example.com"},
		{"JANE DOE", "08122222222", ""},
	})

	records, err := n.NormalizeXLSX(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 1, records[0].SourceRow)
	assert.Equal(t, "08111111111", records[0].NaturalKey)
	assert.Equal(t, 2, records[1].SourceRow)
}

func TestNormalizeXLSX_MaxBytesExceeded(t *testing.T) {
	n := customersNormalizer(t, Limits{MaxRows: 1000, MaxBytes: 128})

	input := buildXLSX(t, [][]string{
		{"name", "phone"},
		{"JOHN", "08111111111"},
	})

	_, err := n.NormalizeXLSX(context.Background(), input)
	assert.ErrorIs(t, err, domain.ErrInputTooLarge)
}

func TestNormalizeRows_LimitsAndNumbering(t *testing.T) {
	n := customersNormalizer(t, Limits{MaxRows: 2, MaxBytes: 1 << 20})

	_, err := n.NormalizeRows(context.Background(), []map[string]string{
		{"name": "A", "phone": "08111111111"},
		{"name": "B", "phone": "08122222222"},
		{"name": "C", "phone": "08133333333"},
	})
	assert.ErrorIs(t, err, domain.ErrTooManyRows)

	records, err := n.NormalizeRows(context.Background(), []map[string]string{
		{"name": "A", "phone": "08111111111"},
		{"name": "", "phone": "08122222222"},
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 1, records[0].SourceRow)
	assert.Equal(t, domain.ResolutionRejected, records[1].Resolution)
	assert.Equal(t, 2, records[1].SourceRow)
}

func TestFormatFromFilename(t *testing.T) {
	format, err := FormatFromFilename("upload.CSV")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, format)

	format, err = FormatFromFilename("manifest.xlsx")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, format)

	_, err = FormatFromFilename("notes.pdf")
	assert.ErrorIs(t, err, domain.ErrUnsupportedFormat)
}
