package validator

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode"
)

// RecordError reports one record that is valid JSON but not a valid record.
// The stream can continue after it.
type RecordError struct {
	Raw   json.RawMessage
	Cause error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("invalid validator record: %v", e.Cause)
}

func (e *RecordError) Unwrap() error {
	return e.Cause
}

// Decoder reads validator records from a stream that is either a sequence of
// JSON objects (newline delimited or not) or a single JSON array of objects.
type Decoder struct {
	br      *bufio.Reader
	dec     *json.Decoder
	array   bool
	started bool
	done    bool
}

// NewDecoder creates a record decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{br: bufio.NewReader(r)}
}

func (d *Decoder) start() error {
	d.started = true
	for {
		c, _, err := d.br.ReadRune()
		if err != nil {
			return err
		}
		if unicode.IsSpace(c) {
			continue
		}
		if err := d.br.UnreadRune(); err != nil {
			return err
		}
		d.array = c == '['
		break
	}

	d.dec = json.NewDecoder(d.br)
	if d.array {
		if _, err := d.dec.Token(); err != nil {
			return err
		}
	}
	return nil
}

// Next returns the next record. It returns io.EOF at the end of the stream,
// *RecordError for a skippable bad record, and any other error when the
// stream itself is broken.
func (d *Decoder) Next() (*Record, error) {
	if d.done {
		return nil, io.EOF
	}
	if !d.started {
		if err := d.start(); err != nil {
			d.done = true
			return nil, err
		}
	}

	if d.array && !d.dec.More() {
		d.done = true
		if _, err := d.dec.Token(); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("unterminated record array: %w", err)
		}
		return nil, io.EOF
	}

	var raw json.RawMessage
	if err := d.dec.Decode(&raw); err != nil {
		d.done = true
		if errors.Is(err, io.EOF) && !d.array {
			return nil, io.EOF
		}
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, &RecordError{Raw: raw, Cause: err}
	}
	return &rec, nil
}
