package journal

import (
	"errors"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/life-stream-dev/life-stream-sensornet/internal/broker"
	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

// Filter selects records; zero fields match everything
type Filter struct {
	RunID  string
	Kind   *broker.EventKind
	Client *wire.ClientID
}

func (f *Filter) matches(r Record) bool {
	if f.RunID != "" && r.RunID != f.RunID {
		return false
	}
	if f.Kind != nil && r.Kind != *f.Kind {
		return false
	}
	if f.Client != nil && r.Client != *f.Client {
		return false
	}
	return true
}

// Reader streams records from a journal file
type Reader struct {
	file    *os.File
	decoder *cbor.Decoder
	filter  Filter
}

// NewReader opens the journal at path
func NewReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{file: f, decoder: newDecoder(f), filter: filter}, nil
}

// Next returns the next matching record, or io.EOF at the end of the journal
func (r *Reader) Next() (Record, error) {
	for {
		var rec Record
		if err := r.decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return Record{}, io.EOF
			}
			return Record{}, err
		}
		if r.filter.matches(rec) {
			return rec, nil
		}
	}
}

func (r *Reader) Close() error {
	return r.file.Close()
}

// ReadAll returns every matching record of the journal at path
func ReadAll(path string, filter Filter) ([]Record, error) {
	r, err := NewReader(path, filter)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var records []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}
