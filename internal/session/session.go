package session

import (
	"bufio"
	"crypto/tls"
	"net"
	"os"
	"time"

	"github.com/mailcore/smtpd/internal/config"
)

// listener pairs a parsed config.Listener with its runtime TLS context and
// accounting, shared by every Session accepted on it.
type listener struct {
	name   string
	cfg    config.Listener
	net    net.Listener
	tlscfg *tls.Config

	active int // Sessions currently open on this listener; engine-goroutine only.
}

// Session is the per-connection state. It is owned exclusively by
// the engine's single event-loop goroutine; no field is ever mutated from
// another goroutine.
type Session struct {
	ID uint64

	conn     net.Conn
	br       *bufio.Reader
	bw       *bufio.Writer
	listener *listener

	RemoteIP net.IP
	peerStr  string
	Hostname string // Resolved reverse-DNS name; "" until/unless resolved.

	Flags Flags
	State State
	Phase Phase

	Env Envelope

	LastCommand string

	KickCount  int
	MailCount  int
	RcptCount  int
	DestCount  int
	DataLen    int64

	DStatus DStatus

	spool *os.File // Present only during StateBody.

	authFailed int
	authState  AuthState
	authMech   string

	tlsVersion string
	tlsCipher  string
	tlsBits    int

	deadline time.Time // Idle-timeout deadline; maintained by the engine.

	// parkedIn names the correlation registry currently holding this
	// session, or "" if none.
	parkedIn registryName

	// tlsPending is set while a TLS handshake goroutine owns the raw
	// connection, so handleLine's post-dispatch resumeRead does not let
	// the reader goroutine race the handshake for the same bytes.
	tlsPending bool

	// resume signals the connection's reader goroutine to read one more
	// line; closed exactly once, on session teardown.
	resume chan struct{}
	closed bool
}

func newSession(id uint64, conn net.Conn, l *listener) *Session {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	ip := net.ParseIP(host)
	return &Session{
		ID:       id,
		conn:     conn,
		br:       bufio.NewReaderSize(conn, l.cfg.MaxLineLength+64),
		bw:       bufio.NewWriter(conn),
		listener: l,
		RemoteIP: ip,
		peerStr:  conn.RemoteAddr().String(),
		State:    StateNew,
		Phase:    PhaseInit,
		resume:   make(chan struct{}, 1),
	}
}

// rset implements RSET semantics: return phase to SETUP,
// clear the open message id, and leave F_SECURE/F_AUTHENTICATED untouched.
func (s *Session) rset() {
	s.Env.MsgID = 0
	s.Env.Sender.User, s.Env.Sender.Domain = "", ""
	s.Env.Rcpt.User, s.Env.Rcpt.Domain = "", ""
	s.RcptCount = 0
	s.DestCount = 0
	s.DStatus = 0
	s.Phase = PhaseSetup
}

// resetForHello implements the HELO/EHLO reset.
func (s *Session) resetForHello() {
	s.Flags.resetForHello()
	s.rset()
	s.Phase = PhaseInit
}
