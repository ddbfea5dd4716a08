package landing

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformedRow marks a snapshot row that could not be split into the
// header's columns.
var ErrMalformedRow = errors.New("malformed row")

// Row is one data row of a tabular snapshot. Err is set for rows that could
// not be parsed; such rows still carry their raw bytes for quarantine.
type Row struct {
	Line   int
	Values map[string]string
	Raw    []byte
	Err    error
}

// Table is a fully read snapshot file.
type Table struct {
	File   File
	Digest Digest
	Raw    []byte
	Header []string
	Rows   []Row
}

// ReadTable reads a snapshot with a header row. Files whose logical name ends
// in .tsv are tab separated; everything else is comma separated.
func (r *Reader) ReadTable(ctx context.Context, f File) (*Table, error) {
	raw, err := r.readRaw(ctx, f.Key)
	if err != nil {
		return nil, err
	}
	text, err := r.decode(f.Key, raw)
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(bytes.NewReader(text))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	if strings.HasSuffix(logicalName(f.Key), ".tsv") {
		cr.Comma = '\t'
	}

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%s: empty snapshot, header row required", f.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: read header: %w", f.Key, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	out := &Table{File: f, Digest: digestOf(f, raw), Raw: raw, Header: header}
	start := cr.InputOffset()
	for {
		fields, err := cr.Read()
		if err == io.EOF {
			break
		}
		var line int
		if err != nil {
			var pe *csv.ParseError
			if !errors.As(err, &pe) {
				return nil, fmt.Errorf("%s: %w", f.Key, err)
			}
			line = pe.StartLine
		} else {
			line, _ = cr.FieldPos(0)
		}
		end := cr.InputOffset()
		rawRow := bytes.TrimRight(text[start:end], "\r\n")
		start = end

		row := Row{Line: line, Raw: rawRow}
		switch {
		case err != nil:
			row.Err = fmt.Errorf("%w: %v", ErrMalformedRow, err)
		case len(fields) != len(header):
			row.Err = fmt.Errorf("%w: %d fields, header has %d", ErrMalformedRow, len(fields), len(header))
		default:
			row.Values = make(map[string]string, len(header))
			for i, name := range header {
				row.Values[name] = fields[i]
			}
		}
		if row.Err != nil && len(bytes.TrimSpace(rawRow)) == 0 {
			continue
		}
		out.Rows = append(out.Rows, row)
	}
	r.log.Debug("read snapshot", "key", f.Key, "rows", len(out.Rows))
	return out, nil
}

// Fields returns the row as a generic map for schema validation.
func (row Row) Fields() map[string]any {
	m := make(map[string]any, len(row.Values))
	for k, v := range row.Values {
		m[k] = v
	}
	return m
}
