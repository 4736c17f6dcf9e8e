package session

import (
	"bufio"
	"io"
	"net"
	"testing"

	"github.com/mailcore/smtpd/internal/config"
)

func newPipelineTestEngine(t *testing.T) (*Engine, *Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })

	e := &Engine{
		registries: newRegistries(),
		sessions:   map[uint64]*Session{},
	}
	l := &listener{cfg: config.Listener{MaxLineLength: 4096}}
	s := &Session{
		ID:       1,
		conn:     server,
		bw:       bufio.NewWriter(server),
		listener: l,
		State:    StateHelo,
		Phase:    PhaseSetup,
		resume:   make(chan struct{}, 1),
	}
	e.sessions[s.ID] = s
	l.active = 1
	return e, s, client
}

func readReplies(t *testing.T, client net.Conn, n int) []string {
	t.Helper()
	br := bufio.NewReader(client)
	var lines []string
	for i := 0; i < n; i++ {
		line, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			t.Fatalf("reading reply %d: %v", i, err)
		}
		lines = append(lines, line)
	}
	return lines
}

// TestPipeliningRefused covers scenario 3: an unrecognized command
// followed by pipelined bytes gets its own reply, then a second reply
// refuses pipelining and tears the session down.
func TestPipeliningRefused(t *testing.T) {
	e, s, client := newPipelineTestEngine(t)

	done := make(chan struct{})
	go func() {
		e.onLine(s, "BOGUS", true)
		close(done)
	}()

	lines := readReplies(t, client, 2)
	<-done

	if got := lines[0]; got[:3] != "500" {
		t.Fatalf("first reply = %q, want 500 prefix", got)
	}
	if got := lines[1]; got[:3] != "500" {
		t.Fatalf("second reply = %q, want 500 prefix", got)
	}
	tcompare(t, s.State, StateQuit)
	tcompare(t, s.closed, true)
}

// TestNonPipelinedUnrecognizedCommandStaysOpen covers the non-pipelined
// case: a single unrecognized command gets one 500 reply and the session
// stays open.
func TestNonPipelinedUnrecognizedCommandStaysOpen(t *testing.T) {
	e, s, client := newPipelineTestEngine(t)

	done := make(chan struct{})
	go func() {
		e.onLine(s, "BOGUS", false)
		close(done)
	}()

	lines := readReplies(t, client, 1)
	<-done

	if got := lines[0]; got[:3] != "500" {
		t.Fatalf("reply = %q, want 500 prefix", got)
	}
	tcompare(t, s.State, StateHelo)
	tcompare(t, s.closed, false)
}
