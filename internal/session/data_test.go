package session

import (
	"io"
	"os"
	"testing"

	"github.com/mailcore/smtpd/internal/config"
)

func newTestSessionWithSpool(t *testing.T, maxSize int64) (*Engine, *Session) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "spool")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })

	e := &Engine{}
	s := &Session{
		listener: &listener{cfg: config.Listener{MaxMessageSize: maxSize}},
		spool:    f,
	}
	return e, s
}

func readSpool(t *testing.T, s *Session) string {
	t.Helper()
	if _, err := s.spool.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	b, err := io.ReadAll(s.spool)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestSinkLineDotUnstuffing(t *testing.T) {
	e, s := newTestSessionWithSpool(t, 0)
	s.Flags.Set(F8BitMIME)

	if end := e.sinkLine(s, "..leading dot"); end {
		t.Fatal("unexpected end")
	}
	if end := e.sinkLine(s, "plain line"); end {
		t.Fatal("unexpected end")
	}
	if end := e.sinkLine(s, "."); !end {
		t.Fatal("expected sole dot to report end")
	}
	tcompare(t, readSpool(t, s), ".leading dot\nplain line\n")
}

func TestSinkLineMasks8BitWhenNot8BitMIME(t *testing.T) {
	e, s := newTestSessionWithSpool(t, 0)
	e.sinkLine(s, string([]byte{0xC3, 0xA9})) // not declared 8BITMIME
	tcompare(t, readSpool(t, s), string([]byte{0x43, 0x29})+"\n")
}

func TestSinkLinePermfailOnOversize(t *testing.T) {
	e, s := newTestSessionWithSpool(t, 4)
	s.Flags.Set(F8BitMIME)
	e.sinkLine(s, "this line is too long")
	tcompare(t, s.DStatus.Has(DStatusPermfail), true)
	tcompare(t, readSpool(t, s), "")
}

func TestSinkLineAfterSpoolClosedIsNoop(t *testing.T) {
	e, s := newTestSessionWithSpool(t, 0)
	s.spool = nil
	if end := e.sinkLine(s, "stray line"); end {
		t.Fatal("unexpected end")
	}
}
