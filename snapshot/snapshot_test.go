package snapshot_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/gosmp/gosmp/firmware"
	"github.com/gosmp/gosmp/machine"
	"github.com/gosmp/gosmp/mem"
	"github.com/gosmp/gosmp/snapshot"
)

// ---- helpers ----------------------------------------------------------------

// pipe returns a connected (Sender, Receiver) pair backed by an in-memory pipe.
func pipe() (*snapshot.Sender, *snapshot.Receiver) {
	pr, pw := io.Pipe()

	return snapshot.NewSender(pw), snapshot.NewReceiver(pr)
}

func mustNext(t *testing.T, recv *snapshot.Receiver) (snapshot.MsgType, []byte) {
	t.Helper()

	msgType, payload, err := recv.Next()
	if err != nil {
		t.Fatalf("Receiver.Next: %v", err)
	}

	return msgType, payload
}

func bootMachine(t *testing.T) *machine.Machine {
	t.Helper()

	m, err := machine.New(machine.Config{
		Shape:   firmware.Shape{Packages: 1, CoresPerPackage: 2, ThreadsPerCore: 1},
		MemSize: 8 << 20,
		Settle:  500 * time.Microsecond,
		Timings: machine.Timings{
			InitHold:     2 * time.Millisecond,
			SIPIGap:      100 * time.Microsecond,
			ReadyTimeout: 2 * time.Second,
			ReadyPoll:    100 * time.Microsecond,
		},
	})
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}

	t.Cleanup(func() { _ = m.Shutdown() })

	if err := m.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	return m
}

// ---- transport --------------------------------------------------------------

func TestSendReceiveDone(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendDone(); err != nil {
			t.Errorf("SendDone: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != snapshot.MsgDone {
		t.Fatalf("got type %d, want MsgDone (%d)", msgType, snapshot.MsgDone)
	}

	if len(payload) != 0 {
		t.Fatalf("MsgDone should carry no payload, got %d bytes", len(payload))
	}
}

func TestSendReceiveMemory(t *testing.T) {
	t.Parallel()

	const size = 4096 * 3
	data := make([]byte, size)

	for i := range data {
		data[i] = byte(i % 251)
	}

	sender, recv := pipe()

	go func() {
		if err := sender.SendMemory(data); err != nil {
			t.Errorf("SendMemory: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != snapshot.MsgMemory {
		t.Fatalf("got type %d, want MsgMemory (%d)", msgType, snapshot.MsgMemory)
	}

	if !bytes.Equal(payload, data) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(payload), len(data))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	want := &snapshot.Snapshot{
		Packages:        1,
		CoresPerPackage: 2,
		ThreadsPerCore:  2,
		MemSize:         8 << 20,
		Source:          "acpi",
		RCUGen:          7,
		RCUCompleted:    7,
		Cores: []snapshot.CoreState{
			{ID: 0, APICID: 0, BSP: true, State: "online", Ticks: 3, PreemptDepth: 0},
			{ID: 1, APICID: 1, State: "offline", PreemptDepth: -1},
		},
		Panic: &snapshot.PanicState{Core: 0, Msg: "test", Unix: 12345},
	}

	sender, recv := pipe()

	go func() {
		if err := sender.SendSnapshot(want); err != nil {
			t.Errorf("SendSnapshot: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != snapshot.MsgSnapshot {
		t.Fatalf("got type %d, want MsgSnapshot (%d)", msgType, snapshot.MsgSnapshot)
	}

	got, err := snapshot.DecodeSnapshot(payload)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("snapshot did not survive the wire:\ngot  %+v\nwant %+v", got, want)
	}
}

func TestWireHeaderLayout(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	if err := snapshot.NewSender(&buf).SendMemory([]byte{0xaa, 0xbb}); err != nil {
		t.Fatalf("SendMemory: %v", err)
	}

	raw := buf.Bytes()
	if len(raw) != 14 {
		t.Fatalf("frame is %d bytes, want 14", len(raw))
	}

	if got := binary.BigEndian.Uint32(raw[0:4]); got != uint32(snapshot.MsgMemory) {
		t.Fatalf("type field = %d, want %d", got, snapshot.MsgMemory)
	}

	if got := binary.BigEndian.Uint64(raw[4:12]); got != 2 {
		t.Fatalf("length field = %d, want 2", got)
	}
}

// ---- capture ----------------------------------------------------------------

func TestCaptureLiveMachine(t *testing.T) {
	t.Parallel()

	m := bootMachine(t)

	snap := snapshot.Capture(m)

	if got, want := snap.Online(), 2; got != want {
		t.Fatalf("online = %d, want %d", got, want)
	}

	if snap.Source != "acpi" {
		t.Fatalf("source = %q, want acpi", snap.Source)
	}

	if snap.Panic != nil {
		t.Fatalf("unexpected panic state: %+v", snap.Panic)
	}

	if !snap.Cores[0].BSP {
		t.Fatal("core 0 is not marked BSP")
	}

	if snap.Cores[1].Package != 0 || snap.Cores[1].Core != 1 {
		t.Fatalf("core 1 at pkg%d/core%d, want pkg0/core1",
			snap.Cores[1].Package, snap.Cores[1].Core)
	}
}

func TestCapturePanickedMachine(t *testing.T) {
	t.Parallel()

	m := bootMachine(t)

	m.Panic(1, "snapshot me")

	if err := m.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	snap := snapshot.Capture(m)

	if snap.Panic == nil {
		t.Fatal("panic state missing")
	}

	if snap.Panic.Core != 1 || snap.Panic.Msg != "snapshot me" {
		t.Fatalf("panic state = %+v", snap.Panic)
	}

	if got := snap.Online(); got != 0 {
		t.Fatalf("online after panic = %d, want 0", got)
	}
}

func TestWriteReadCore(t *testing.T) {
	t.Parallel()

	m := bootMachine(t)

	var buf bytes.Buffer
	if err := snapshot.WriteCore(&buf, m); err != nil {
		t.Fatalf("WriteCore: %v", err)
	}

	snap, memory, err := snapshot.ReadCore(&buf)
	if err != nil {
		t.Fatalf("ReadCore: %v", err)
	}

	if got, want := len(memory), 8<<20; got != want {
		t.Fatalf("memory = %d bytes, want %d", got, want)
	}

	// The trampoline's first byte is a cli.
	if memory[mem.TrampolineBase] != 0xfa {
		t.Fatalf("memory[%#x] = %#x, want 0xfa", mem.TrampolineBase, memory[mem.TrampolineBase])
	}

	if got, want := snap.Online(), 2; got != want {
		t.Fatalf("online = %d, want %d", got, want)
	}
}

func TestReadCoreWithoutSnapshot(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := snapshot.NewSender(&buf).SendDone(); err != nil {
		t.Fatalf("SendDone: %v", err)
	}

	if _, _, err := snapshot.ReadCore(&buf); err == nil {
		t.Fatal("expected an error for a stream with no snapshot")
	}
}
