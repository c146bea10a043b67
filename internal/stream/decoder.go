// Package stream decodes partial-delivery event streams into content deltas.
//
// A provider response body is a sequence of Server-Sent Event records: lines of
// "field: value" terminated by a blank line. The Decoder reassembles records
// across arbitrary read boundaries, hands each record's payload to a Dialect,
// and yields Delta events followed by exactly one terminal event.
package stream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxRecordSize bounds a single record (all of its lines together).
const MaxRecordSize = 1 << 20

// Kind identifies a decoded event.
type Kind int

const (
	KindDelta Kind = iota
	KindDone
	KindAborted
	KindProtocolError
)

func (k Kind) String() string {
	switch k {
	case KindDelta:
		return "delta"
	case KindDone:
		return "done"
	case KindAborted:
		return "aborted"
	case KindProtocolError:
		return "protocol_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one item of the decoded sequence.
type Event struct {
	Kind Kind

	// Text is the content fragment of a Delta.
	Text string

	// Reason describes a ProtocolError.
	Reason string

	// Err is the underlying cause of an Aborted or ProtocolError event.
	Err error
}

// Terminal reports whether the event ends the sequence.
func (e Event) Terminal() bool {
	return e.Kind != KindDelta
}

// Record is one blank-line-terminated SSE record.
type Record struct {
	// Event is the value of the "event:" field, empty when absent.
	Event string

	// Data is the joined value of every "data:" line.
	Data string
}

// Frame is what a Dialect extracts from a record.
type Frame struct {
	Text string
	Done bool
}

// Dialect interprets record payloads for one provider's wire format.
// Decode returns an error for malformed or provider-reported failures.
type Dialect interface {
	Decode(rec Record) (Frame, error)
}

var errRecordTooLarge = errors.New("record exceeds maximum size")

// Decoder turns a byte stream into Events. It is lazy, finite and not
// restartable: after the terminal event Next returns false forever.
//
// Usage:
//
//	dec := stream.NewDecoder(body, stream.OpenAIChat{})
//	for dec.Next() {
//	    ev := dec.Event()
//	    ...
//	}
type Decoder struct {
	reader  *bufio.Reader
	dialect Dialect
	current Event
	readErr error
	done    bool
}

// NewDecoder creates a decoder reading records from r.
func NewDecoder(r io.Reader, dialect Dialect) *Decoder {
	return &Decoder{
		reader:  bufio.NewReaderSize(r, 32*1024),
		dialect: dialect,
	}
}

// Next advances to the next event. It returns true for every delta and for
// the single terminal event, then false.
func (d *Decoder) Next() bool {
	if d.done {
		return false
	}

	for {
		if d.readErr != nil {
			d.finish(terminalFor(d.readErr))
			return true
		}

		rec, ok, err := d.readRecord()
		d.readErr = err
		if !ok {
			continue
		}

		frame, derr := d.dialect.Decode(rec)
		if derr != nil {
			if d.readErr != nil {
				// Record cut short by the end of the stream.
				d.finish(terminalFor(d.readErr))
				return true
			}
			d.finish(Event{Kind: KindProtocolError, Reason: derr.Error(), Err: derr})
			return true
		}
		if frame.Done {
			d.finish(Event{Kind: KindDone})
			return true
		}
		if frame.Text != "" {
			d.current = Event{Kind: KindDelta, Text: frame.Text}
			return true
		}
	}
}

// Event returns the event produced by the last successful call to Next.
func (d *Decoder) Event() Event {
	return d.current
}

func (d *Decoder) finish(ev Event) {
	d.current = ev
	d.done = true
}

func terminalFor(err error) Event {
	switch {
	case errors.Is(err, errRecordTooLarge):
		return Event{Kind: KindProtocolError, Reason: err.Error(), Err: err}
	case errors.Is(err, io.EOF):
		return Event{Kind: KindAborted, Err: io.ErrUnexpectedEOF}
	default:
		return Event{Kind: KindAborted, Err: err}
	}
}

// readRecord reads lines up to the next blank line. ok reports whether a
// record with at least one data line was assembled. A non-nil err means the
// source is exhausted; a record cut short by it is still returned.
func (d *Decoder) readRecord() (rec Record, ok bool, err error) {
	var (
		data []string
		size int
	)

	for {
		line, rerr := d.readLine()
		size += len(line)
		if size > MaxRecordSize || errors.Is(rerr, errRecordTooLarge) {
			return Record{}, false, errRecordTooLarge
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if rerr == nil && len(data) == 0 {
				rec.Event = ""
				size = 0
				continue
			}
		case strings.HasPrefix(line, ":"):
			if rerr == nil {
				continue
			}
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "data":
				data = append(data, value)
			case "event":
				rec.Event = value
			}
			if rerr == nil {
				continue
			}
		}

		if len(data) == 0 {
			return Record{}, false, rerr
		}
		rec.Data = strings.Join(data, "\n")
		return rec, true, rerr
	}
}

// readLine returns the next line including its terminator. A trailing
// fragment without a newline is returned together with the read error.
func (d *Decoder) readLine() (string, error) {
	var buf bytes.Buffer
	for {
		chunk, err := d.reader.ReadSlice('\n')
		if buf.Len()+len(chunk) > MaxRecordSize {
			return "", errRecordTooLarge
		}
		buf.Write(chunk)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return buf.String(), err
	}
}
