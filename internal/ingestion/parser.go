package ingestion

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

var (
	// ErrInvalidHeader is returned when the file header cannot be read or lacks a
	// required column. It fails the whole run.
	ErrInvalidHeader = errors.New("invalid or missing header")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}
)

const (
	columnStoreID   = "StoreId"
	columnSKU       = "SKU"
	columnPrice     = "Price"
	columnPriceDate = "PriceDate"
)

// maxExcelSerial is 9999-12-31, the last date Excel can represent.
const maxExcelSerial = 2958465

var requiredColumns = []string{columnStoreID, columnSKU, columnPrice, columnPriceDate}

// rawRow is one non-blank data row keyed by logical column name. Err is set
// when the record itself could not be tokenized.
type rawRow struct {
	Fields map[string]string
	Raw    string
	Err    error
}

type rowReader interface {
	// Next returns io.EOF after the last row.
	Next() (rawRow, error)
	Close() error
}

func newRowReader(fileName string, r io.Reader) (rowReader, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: no data", ErrInvalidHeader)
	}
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx":
		return newExcelRowReader(r)
	default:
		return newCSVRowReader(r)
	}
}

// mapHeader resolves each header cell to a logical column name, or "" for
// columns the pipeline does not consume.
func mapHeader(header []string) ([]string, error) {
	lookup := make(map[string]string, len(requiredColumns))
	for _, name := range requiredColumns {
		lookup[strings.ToLower(name)] = name
	}

	columns := make([]string, len(header))
	present := make(map[string]bool, len(requiredColumns))
	for i, cell := range header {
		name, ok := lookup[strings.ToLower(strings.TrimSpace(cell))]
		if !ok || present[name] {
			continue
		}
		columns[i] = name
		present[name] = true
	}

	var missing []string
	for _, name := range requiredColumns {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing column(s) %s", ErrInvalidHeader, strings.Join(missing, ", "))
	}
	return columns, nil
}

func fieldMap(columns, values []string) map[string]string {
	fields := make(map[string]string, len(requiredColumns))
	for i, name := range columns {
		if name == "" || i >= len(values) {
			continue
		}
		fields[name] = strings.TrimSpace(values[i])
	}
	return fields
}

// newRawRow maps values to columns. A consumed field holding invalid UTF-8
// marks the row malformed, and Raw is always valid UTF-8 so it can be stored.
func newRawRow(columns, values []string, raw string) rawRow {
	row := rawRow{Fields: fieldMap(columns, values), Raw: strings.ToValidUTF8(raw, "\uFFFD")}
	for _, name := range requiredColumns {
		if value, ok := row.Fields[name]; ok && !utf8.ValidString(value) {
			row.Err = fmt.Errorf("invalid UTF-8 in column %s", name)
			break
		}
	}
	return row
}

func isBlankRow(values []string) bool {
	for _, cell := range values {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// recordingReader keeps the bytes handed to the csv reader so the exact text
// of each record can be recovered from csv.Reader.InputOffset.
type recordingReader struct {
	src  io.Reader
	buf  []byte
	base int64
}

func (r *recordingReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	r.buf = append(r.buf, p[:n]...)
	return n, err
}

// take returns the text up to offset end and discards it from the buffer.
func (r *recordingReader) take(end int64) string {
	n := int(end - r.base)
	if n < 0 {
		n = 0
	}
	if n > len(r.buf) {
		n = len(r.buf)
	}
	text := string(r.buf[:n])
	r.buf = append(r.buf[:0], r.buf[n:]...)
	r.base += int64(n)
	return strings.Trim(text, "\r\n")
}

type csvRowReader struct {
	reader    *csv.Reader
	recording *recordingReader
	columns   []string
}

func newCSVRowReader(src io.Reader) (*csvRowReader, error) {
	buffered := bufio.NewReader(src)
	if prefix, err := buffered.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = buffered.Discard(len(byteOrderMark))
	}

	recording := &recordingReader{src: buffered}
	reader := csv.NewReader(recording)
	reader.FieldsPerRecord = -1

	for {
		header, err := reader.Read()
		recording.take(reader.InputOffset())
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: file is empty", ErrInvalidHeader)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
		}
		if isBlankRow(header) {
			continue
		}
		columns, err := mapHeader(header)
		if err != nil {
			return nil, err
		}
		return &csvRowReader{reader: reader, recording: recording, columns: columns}, nil
	}
}

func (c *csvRowReader) Next() (rawRow, error) {
	for {
		values, err := c.reader.Read()
		raw := c.recording.take(c.reader.InputOffset())
		if errors.Is(err, io.EOF) {
			return rawRow{}, io.EOF
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				return rawRow{Raw: strings.ToValidUTF8(raw, "\uFFFD"), Err: parseErr}, nil
			}
			return rawRow{}, fmt.Errorf("read csv: %w", err)
		}
		if isBlankRow(values) {
			continue
		}
		return newRawRow(c.columns, values, raw), nil
	}
}

func (c *csvRowReader) Close() error {
	return nil
}

type excelRowReader struct {
	file     *excelize.File
	rows     *excelize.Rows
	columns  []string
	date1904 bool
}

func newExcelRowReader(src io.Reader) (*excelRowReader, error) {
	f, err := excelize.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open xlsx: %v", ErrInvalidHeader, err)
	}

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("%w: excel file has no sheets", ErrInvalidHeader)
	}

	rows, err := f.Rows(sheets[0])
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: failed to read rows from xlsx: %v", ErrInvalidHeader, err)
	}

	reader := &excelRowReader{file: f, rows: rows}
	if props, err := f.GetWorkbookProps(); err == nil && props.Date1904 != nil {
		reader.date1904 = *props.Date1904
	}
	for rows.Next() {
		header, err := rows.Columns()
		if err != nil {
			_ = reader.Close()
			return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
		}
		if isBlankRow(header) {
			continue
		}
		columns, err := mapHeader(header)
		if err != nil {
			_ = reader.Close()
			return nil, err
		}
		reader.columns = columns
		return reader, nil
	}

	_ = reader.Close()
	return nil, fmt.Errorf("%w: sheet %q is empty", ErrInvalidHeader, sheets[0])
}

// Next reads stored cell values rather than display text, so date cells
// arrive as serial numbers and are rewritten as dd-MM-yyyy.
func (x *excelRowReader) Next() (rawRow, error) {
	for x.rows.Next() {
		values, err := x.rows.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			return rawRow{Err: err}, nil
		}
		if isBlankRow(values) {
			continue
		}
		for i := range min(len(x.columns), len(values)) {
			switch x.columns[i] {
			case columnPriceDate:
				values[i] = x.serialDate(values[i])
			case columnPrice:
				values[i] = storedNumber(values[i])
			}
		}
		return newRawRow(x.columns, values, strings.Join(values, ",")), nil
	}
	if err := x.rows.Error(); err != nil {
		return rawRow{}, fmt.Errorf("read xlsx: %w", err)
	}
	return rawRow{}, io.EOF
}

// serialDate converts an Excel date serial to day-first text. Anything else,
// including text typed into the cell, is returned unchanged.
func (x *excelRowReader) serialDate(value string) string {
	if !isPlainNumber(value) {
		return value
	}
	serial, err := strconv.ParseFloat(value, 64)
	if err != nil || serial <= 0 || serial > maxExcelSerial {
		return value
	}
	date, err := excelize.ExcelDateToTime(serial, x.date1904)
	if err != nil {
		return value
	}
	return date.Format(priceDateFormats[0].layout)
}

// storedNumber trims binary float noise such as 9.9900000000000002 the way
// Excel displays it, to 15 significant digits.
func storedNumber(value string) string {
	if !isPlainNumber(value) {
		return value
	}
	number, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return value
	}
	number, err = strconv.ParseFloat(strconv.FormatFloat(number, 'G', 15, 64), 64)
	if err != nil {
		return value
	}
	return strconv.FormatFloat(number, 'f', -1, 64)
}

// isPlainNumber reports whether value is digits with an optional minus sign
// and decimal point. Exponent forms are left to the validator to reject.
func isPlainNumber(value string) bool {
	value = strings.TrimPrefix(value, "-")
	if value == "" {
		return false
	}
	return strings.IndexFunc(value, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	}) < 0
}

func (x *excelRowReader) Close() error {
	var errs []error
	if x.rows != nil {
		errs = append(errs, x.rows.Close())
	}
	if x.file != nil {
		errs = append(errs, x.file.Close())
	}
	return errors.Join(errs...)
}
