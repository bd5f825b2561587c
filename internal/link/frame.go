// Package link carries protocol records between nodes.
//
// Every frame is the source index, the destination index and one fixed-size
// record. The record length follows from its leading type byte, so frames need
// no length prefix on a stream.
package link

import (
	"errors"
	"fmt"
	"io"

	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

// headerSize is the src and dst bytes in front of the record
const headerSize = 2

var (
	ErrClosed    = errors.New("link closed")
	ErrQueueFull = errors.New("link send queue full")
)

// Frame is one addressed record
type Frame struct {
	Src    wire.ClientID
	Dst    wire.ClientID
	Record []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("%d->%d %s", f.Src, f.Dst, wire.MsgType(f.firstByte()))
}

func (f Frame) firstByte() byte {
	if len(f.Record) == 0 {
		return 0
	}
	return f.Record[0]
}

// WriteFrame writes f in a single Write call
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Record) == 0 || wire.Size(wire.MsgType(f.Record[0])) != len(f.Record) {
		return fmt.Errorf("%w: record of %d bytes does not match its type", wire.ErrMalformedMessage, len(f.Record))
	}
	buf := make([]byte, 0, headerSize+len(f.Record))
	buf = append(buf, byte(f.Src), byte(f.Dst))
	buf = append(buf, f.Record...)
	total := 0
	for total < len(buf) {
		n, err := w.Write(buf[total:])
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}

// ReadFrame reads one frame. An unknown record type leaves the stream unsynchronized
// and is reported as ErrMalformedMessage.
func ReadFrame(r io.Reader) (Frame, error) {
	var head [headerSize + 1]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Frame{}, err
	}
	size := wire.Size(wire.MsgType(head[headerSize]))
	if size == 0 {
		return Frame{}, fmt.Errorf("%w: unknown record type %d", wire.ErrMalformedMessage, head[headerSize])
	}
	record := make([]byte, size)
	record[0] = head[headerSize]
	if _, err := io.ReadFull(r, record[1:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	return Frame{Src: wire.ClientID(head[0]), Dst: wire.ClientID(head[1]), Record: record}, nil
}
