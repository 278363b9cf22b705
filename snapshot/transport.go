// Framed binary transport for core dumps, usable over any stream,
// typically the control socket.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/gosmp/gosmp/machine"
)

// MsgType identifies a dump stream message.
type MsgType uint32

const (
	MsgSnapshot MsgType = 1 // gob-encoded Snapshot (no memory)
	MsgMemory   MsgType = 2 // raw guest memory
	MsgDone     MsgType = 3 // end of stream
)

var errNoSnapshot = errors.New("stream ended without a snapshot")

// Sender writes framed messages to an underlying writer.
type Sender struct {
	w io.Writer
}

func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

func (s *Sender) send(t MsgType, payload []byte) error {
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("send header: %w", err)
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("send payload: %w", err)
		}
	}

	return nil
}

// SendSnapshot gob-encodes snap and sends it as a MsgSnapshot.
func (s *Sender) SendSnapshot(snap *Snapshot) error {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	return s.send(MsgSnapshot, buf.Bytes())
}

// SendMemory sends the raw guest memory.
func (s *Sender) SendMemory(data []byte) error {
	return s.send(MsgMemory, data)
}

// SendDone closes the logical stream.
func (s *Sender) SendDone() error { return s.send(MsgDone, nil) }

// Receiver reads framed messages from an underlying reader.
type Receiver struct {
	r io.Reader
}

func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads one message and returns its type and full payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload (type=%d len=%d): %w", t, length, err)
	}

	return t, payload, nil
}

// DecodeSnapshot decodes a MsgSnapshot payload.
func DecodeSnapshot(payload []byte) (*Snapshot, error) {
	snap := &Snapshot{}

	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	return snap, nil
}

// WriteCore streams a full core dump: the snapshot, guest memory, then
// the end marker.
func WriteCore(w io.Writer, m *machine.Machine) error {
	s := NewSender(w)

	if err := s.SendSnapshot(Capture(m)); err != nil {
		return err
	}

	data, err := m.Mem().Slice(0, m.Mem().Size())
	if err != nil {
		return err
	}

	if err := s.SendMemory(data); err != nil {
		return err
	}

	return s.SendDone()
}

// ReadCore consumes a core dump stream produced by WriteCore.
func ReadCore(r io.Reader) (*Snapshot, []byte, error) {
	rcv := NewReceiver(r)

	var (
		snap   *Snapshot
		memory []byte
	)

	for {
		t, payload, err := rcv.Next()
		if err != nil {
			return nil, nil, err
		}

		switch t {
		case MsgSnapshot:
			if snap, err = DecodeSnapshot(payload); err != nil {
				return nil, nil, err
			}
		case MsgMemory:
			memory = payload
		case MsgDone:
			if snap == nil {
				return nil, nil, errNoSnapshot
			}

			return snap, memory, nil
		default:
			return nil, nil, fmt.Errorf("unexpected message type %d", t)
		}
	}
}
