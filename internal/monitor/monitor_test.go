package monitor

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/chaosstudygroup/dkrun/internal/probe"
	"github.com/chaosstudygroup/dkrun/internal/rtt"
)

// haltSequenceSession is a memory-backed probe.Session whose Halted() result
// is scripted call-by-call, to exercise the monitor's two-consecutive-halts
// termination rule deterministically while still backing a real rtt.Channel.
type haltSequenceSession struct {
	mem       map[uint32]uint32
	halts     []bool
	haltIdx   int
	haltCalls int
}

func newHaltSequenceSession(halts []bool) *haltSequenceSession {
	return &haltSequenceSession{mem: map[uint32]uint32{}, halts: halts}
}

func (s *haltSequenceSession) ReadWord(ctx context.Context, addr uint32) (uint32, error) {
	return s.mem[addr], nil
}
func (s *haltSequenceSession) WriteWord(ctx context.Context, addr, value uint32) error {
	s.mem[addr] = value
	return nil
}
func (s *haltSequenceSession) ReadBlock(ctx context.Context, addr uint32, buf []byte) error {
	for i := 0; i < len(buf); i += 4 {
		v := s.mem[addr+uint32(i)]
		buf[i], buf[i+1], buf[i+2], buf[i+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	}
	return nil
}
func (s *haltSequenceSession) WriteBlock(ctx context.Context, addr uint32, buf []byte) error {
	for i := 0; i < len(buf); i += 4 {
		s.mem[addr+uint32(i)] = uint32(buf[i]) | uint32(buf[i+1])<<8 | uint32(buf[i+2])<<16 | uint32(buf[i+3])<<24
	}
	return nil
}
func (s *haltSequenceSession) ReadCoreReg(ctx context.Context, n int) (uint32, error) { return 0, nil }
func (s *haltSequenceSession) WriteCoreReg(ctx context.Context, n int, value uint32) error {
	return nil
}
func (s *haltSequenceSession) Halt(ctx context.Context) error         { s.haltCalls++; return nil }
func (s *haltSequenceSession) Run(ctx context.Context) error          { return nil }
func (s *haltSequenceSession) Reset(ctx context.Context) error        { return nil }
func (s *haltSequenceSession) ResetAndHalt(ctx context.Context) error { return nil }
func (s *haltSequenceSession) Halted(ctx context.Context) (bool, error) {
	if s.haltIdx >= len(s.halts) {
		return s.halts[len(s.halts)-1], nil
	}
	v := s.halts[s.haltIdx]
	s.haltIdx++
	return v, nil
}
func (s *haltSequenceSession) FlashElf(ctx context.Context, path string, format probe.FlashFormat) error {
	return nil
}
func (s *haltSequenceSession) Close() error { return nil }

// emptyChannel builds a real, permanently-empty rtt.Channel backed by sess,
// so Run's per-iteration channel.Read() never contributes bytes or errors.
func emptyChannel(t *testing.T, sess *haltSequenceSession) *rtt.Channel {
	t.Helper()
	const cbAddr, bufAddr, bufSize = 0x20000000, 0x20001000, 16

	header := make([]byte, 24)
	copy(header, "SEGGER RTT")
	binary.LittleEndian.PutUint32(header[16:20], 1)
	if err := sess.WriteBlock(context.Background(), cbAddr, header); err != nil {
		t.Fatal(err)
	}
	desc := make([]byte, 24)
	binary.LittleEndian.PutUint32(desc[4:8], bufAddr)
	binary.LittleEndian.PutUint32(desc[8:12], bufSize)
	if err := sess.WriteBlock(context.Background(), cbAddr+24, desc); err != nil {
		t.Fatal(err)
	}

	ch, err := rtt.Open(context.Background(), sess, cbAddr)
	if err != nil {
		t.Fatalf("rtt.Open: %v", err)
	}
	return ch
}

func TestRunStopsOnTwoConsecutiveHalts(t *testing.T) {
	sess := newHaltSequenceSession([]bool{false, false, true, true})
	ch := emptyChannel(t, sess)
	var out bytes.Buffer

	reason, err := Run(context.Background(), sess, ch, &out)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != Halted {
		t.Errorf("reason = %v, want Halted", reason)
	}
	if sess.haltCalls != 0 {
		t.Errorf("Halt called %d times, want 0 (target already halted naturally)", sess.haltCalls)
	}
}

func TestRunTreatsASingleHaltAsTransient(t *testing.T) {
	// A lone halted poll (e.g. a momentary breakpoint step) must not be
	// mistaken for termination: only two consecutive halted polls count.
	sess := newHaltSequenceSession([]bool{true, false, true, true})
	ch := emptyChannel(t, sess)
	var out bytes.Buffer

	reason, err := Run(context.Background(), sess, ch, &out)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != Halted {
		t.Errorf("reason = %v, want Halted", reason)
	}
	if sess.haltIdx != 4 {
		t.Errorf("consumed %d halt polls, want all 4 (single halt at index 0 must not terminate early)", sess.haltIdx)
	}
}
