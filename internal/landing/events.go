package landing

import (
	"bytes"
	"context"
	"time"
)

// Record is one raw line of an event file, with its exact original bytes.
type Record struct {
	Source     string
	Line       int
	Seq        int64
	Payload    []byte
	IngestedAt time.Time
}

// EventFile is a fully read event file.
type EventFile struct {
	File    File
	Digest  Digest
	Raw     []byte
	Records []Record
}

// ReadEvents reads a newline-delimited event file. Blank lines are skipped
// but still count toward line numbers. Payloads are not parsed here.
func (r *Reader) ReadEvents(ctx context.Context, f File) (*EventFile, error) {
	raw, err := r.readRaw(ctx, f.Key)
	if err != nil {
		return nil, err
	}
	text, err := r.decode(f.Key, raw)
	if err != nil {
		return nil, err
	}

	out := &EventFile{File: f, Digest: digestOf(f, raw), Raw: raw}
	line := 0
	for len(text) > 0 {
		var chunk []byte
		if i := bytes.IndexByte(text, '\n'); i >= 0 {
			chunk, text = text[:i], text[i+1:]
		} else {
			chunk, text = text, nil
		}
		line++
		chunk = bytes.TrimSuffix(chunk, []byte{'\r'})
		if len(bytes.TrimSpace(chunk)) == 0 {
			continue
		}
		out.Records = append(out.Records, Record{
			Source:     f.Key,
			Line:       line,
			Seq:        Seq(f.Index, line),
			Payload:    chunk,
			IngestedAt: f.ModTime,
		})
	}
	r.log.Debug("read event file", "key", f.Key, "records", len(out.Records), "bytes", len(raw))
	return out, nil
}

// Seq combines file order and line number into one sortable ordinal.
func Seq(fileIndex, line int) int64 {
	return int64(fileIndex)<<32 | int64(uint32(line))
}
