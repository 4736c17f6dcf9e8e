// Package session implements the SMTP protocol engine: a single
// event-loop goroutine that owns every Session and its ten correlation
// registries, fed by one reader goroutine per connection and resumed by
// asynchronous replies from the Dns, Auth, Mfa and Queue collaborators.
package session

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mailcore/smtpd/internal/auth"
	"github.com/mailcore/smtpd/internal/config"
	"github.com/mailcore/smtpd/internal/dns"
	"github.com/mailcore/smtpd/internal/metrics"
	"github.com/mailcore/smtpd/internal/mfa"
	"github.com/mailcore/smtpd/internal/mlog"
	"github.com/mailcore/smtpd/internal/queue"
	"github.com/mailcore/smtpd/internal/ratelimit"
)

// errLineTooLong is returned by readLine when a line exceeds the
// listener's configured maximum.
var errLineTooLong = errors.New("line too long")

// lineEvent is one line read off a connection, delivered to the event
// loop by that connection's reader goroutine.
type lineEvent struct {
	id        uint64
	line      string
	pipelined bool
	err       error
}

// tlsReadyEvent reports the outcome of an asynchronous TLS handshake.
type tlsReadyEvent struct {
	id   uint64
	conn *tls.Conn
	err  error
}

// Engine is the session engine. Every field below this comment
// that is not itself a channel or a collaborator handle is read and
// written exclusively from the goroutine running Run, except idSeq
// (updated atomically) and connLimit (internally locked), which the
// accept loops use.
type Engine struct {
	hostname string
	banner   string
	log      mlog.Log

	idleTimeout time.Duration

	dnsResolver dns.Resolver
	auth        auth.Checker
	mfa         mfa.Engine
	queue       queue.Queue

	registries *registries
	sessions   map[uint64]*Session
	listeners  []*listener
	connLimit  *ratelimit.Limiter

	idSeq uint64

	newConnCh chan *Session
	lineCh    chan lineEvent
	tlsCh     chan tlsReadyEvent

	dnsReplies     chan dns.PtrReply
	authReplies    chan auth.Reply
	mfaReplies     chan mfa.Reply
	mfaDataReplies chan mfa.DataLineReply
	queueCreate    chan queue.CreateReply
	queueFile      chan queue.FileReply
	queueSubmit    chan queue.SubmitReply
	queueCommitEnv chan queue.CommitEnvelopesReply
	queueCommitMsg chan queue.CommitMessageReply

	done chan struct{}
}

// Collaborators bundles the engine's four asynchronous collaborators and
// the reply channels they were constructed with, so NewEngine can wire
// its select loop to them.
type Collaborators struct {
	Dns   dns.Resolver
	Auth  auth.Checker
	Mfa   mfa.Engine
	Queue queue.Queue

	DNSReplies     chan dns.PtrReply
	AuthReplies    chan auth.Reply
	MfaReplies     chan mfa.Reply
	MfaDataReplies chan mfa.DataLineReply
	QueueCreate    chan queue.CreateReply
	QueueFile      chan queue.FileReply
	QueueSubmit    chan queue.SubmitReply
	QueueCommitEnv chan queue.CommitEnvelopesReply
	QueueCommitMsg chan queue.CommitMessageReply
}

// NewEngine builds listeners from cfg and wires them to the given
// collaborators, keeping config parsing separate from socket setup.
func NewEngine(cfg config.Static, log mlog.Log, c Collaborators) (*Engine, error) {
	e := &Engine{
		hostname:       cfg.Hostname,
		banner:         cfg.Banner,
		log:            log,
		idleTimeout:    cfg.IdleTimeout,
		dnsResolver:    c.Dns,
		auth:           c.Auth,
		mfa:            c.Mfa,
		queue:          c.Queue,
		registries:     newRegistries(),
		sessions:       map[uint64]*Session{},
		newConnCh:      make(chan *Session, 64),
		lineCh:         make(chan lineEvent, 64),
		tlsCh:          make(chan tlsReadyEvent, 16),
		dnsReplies:     c.DNSReplies,
		authReplies:    c.AuthReplies,
		mfaReplies:     c.MfaReplies,
		mfaDataReplies: c.MfaDataReplies,
		queueCreate:    c.QueueCreate,
		queueFile:      c.QueueFile,
		queueSubmit:    c.QueueSubmit,
		queueCommitEnv: c.QueueCommitEnv,
		queueCommitMsg: c.QueueCommitMsg,
		connLimit:      ratelimit.NewLimiter(time.Minute, 20),
		done:           make(chan struct{}),
	}

	for name, lcfg := range cfg.Listeners {
		ln, err := net.Listen("tcp", lcfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", lcfg.Addr, err)
		}
		l := &listener{name: name, cfg: lcfg, net: ln}
		if lcfg.STARTTLS || lcfg.SMTPS {
			tlscfg, err := loadTLSConfig(lcfg)
			if err != nil {
				return nil, fmt.Errorf("listener %s: %w", name, err)
			}
			l.tlscfg = tlscfg
		}
		e.listeners = append(e.listeners, l)
	}
	return e, nil
}

func loadTLSConfig(lcfg config.Listener) (*tls.Config, error) {
	if lcfg.TLSCertFile == "" || lcfg.TLSKeyFile == "" {
		return nil, fmt.Errorf("TLSCertFile/TLSKeyFile required when STARTTLS or SMTPS is enabled")
	}
	cert, err := tls.LoadX509KeyPair(lcfg.TLSCertFile, lcfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// Run accepts connections on every configured listener and runs the
// single-goroutine event loop until Close is called.
func (e *Engine) Run() {
	for _, l := range e.listeners {
		go e.acceptLoop(l)
	}
	idleTick := time.NewTicker(30 * time.Second)
	defer idleTick.Stop()

	for {
		select {
		case <-e.done:
			return
		case s := <-e.newConnCh:
			e.handleNewConn(s)
		case ev := <-e.lineCh:
			e.handleLine(ev)
		case ev := <-e.tlsCh:
			e.onTLSReady(ev)
		case r := <-e.dnsReplies:
			e.onDNSReply(r)
		case r := <-e.authReplies:
			e.onAuthReply(r.ID, r.OK)
		case r := <-e.mfaReplies:
			e.onMfaVerdict(r.ID, r.Verdict)
		case r := <-e.mfaDataReplies:
			e.onMfaDataLineReply(r.ID, r.Line)
		case r := <-e.queueCreate:
			e.onQueueCreateReply(r.ID, r.OK, r.MsgID)
		case r := <-e.queueFile:
			e.onQueueFileReply(r.ID, r.OK, r.File)
		case r := <-e.queueSubmit:
			e.onQueueSubmitReply(r.ID, r.OK)
		case r := <-e.queueCommitEnv:
			e.onQueueCommitEnvReply(r.ID, r.OK)
		case r := <-e.queueCommitMsg:
			e.onQueueCommitMsgReply(r.ID, r.OK, r.MsgID)
		case <-idleTick.C:
			e.sweepIdle()
		}
	}
}

// Close stops the accept loops and the event loop. In-flight sessions are
// torn down as their connections error out.
func (e *Engine) Close() {
	for _, l := range e.listeners {
		l.net.Close()
	}
	close(e.done)
}

func (e *Engine) acceptLoop(l *listener) {
	for {
		conn, err := l.net.Accept()
		if err != nil {
			select {
			case <-e.done:
				return
			default:
				e.log.Errorx("accept failed", err, slog.String("listener", l.name))
				continue
			}
		}
		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		ip := net.ParseIP(host)
		if ip != nil && !e.connLimit.Allow(ip, time.Now()) {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			conn.Write([]byte("421 4.7.0 Too many connections, try again later\r\n"))
			conn.Close()
			continue
		}

		id := atomic.AddUint64(&e.idSeq, 1)
		s := newSession(id, conn, l)
		go e.connActor(s)
	}
}

// connActor is the per-connection reader goroutine. It never touches Session fields other than s.br,
// which the event loop only ever replaces while this goroutine is
// blocked on s.resume (STARTTLS), so there is no data race.
func (e *Engine) connActor(s *Session) {
	e.newConnCh <- s
	for {
		if _, ok := <-s.resume; !ok {
			return
		}
		line, err := readLine(s.br, s.listener.cfg.MaxLineLength)
		pipelined := err == nil && s.br.Buffered() > 0
		e.lineCh <- lineEvent{id: s.ID, line: line, pipelined: pipelined, err: err}
		if err != nil {
			return
		}
	}
}

// readLine reads one CRLF- or LF-terminated line, stripped of its
// terminator, enforcing maxLen.
func readLine(br *bufio.Reader, maxLen int) (string, error) {
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		buf = append(buf, chunk...)
		if err == bufio.ErrBufferFull {
			if len(buf) > maxLen {
				return "", errLineTooLong
			}
			continue
		}
		if err != nil {
			return "", err
		}
		break
	}
	if len(buf) > maxLen {
		return "", errLineTooLong
	}
	return strings.TrimRight(string(buf), "\r\n"), nil
}

// resumeRead lets the connection's reader goroutine read one more line.
// A no-op once the session is torn down.
func (e *Engine) resumeRead(s *Session) {
	if s.closed {
		return
	}
	select {
	case s.resume <- struct{}{}:
	default:
	}
}

// handleNewConn admits a freshly accepted connection and starts the PTR/Mfa CONNECT chain.
func (e *Engine) handleNewConn(s *Session) {
	e.sessions[s.ID] = s
	s.listener.active++
	s.deadline = time.Now().Add(e.idleTimeout)
	metrics.ConnectionInc(s.listener.name)
	metrics.SessionOpened()
	s.State = StateConnected

	e.registries.park(regDNSPtr, s.ID, s)
	e.dnsResolver.Ptr(s.ID, s.RemoteIP)
}

// onDNSReply resumes a session parked in wait_dns_ptr. A
// lookup failure is not fatal: Hostname stays empty and the CONNECT
// chain proceeds to Mfa regardless.
func (e *Engine) onDNSReply(r dns.PtrReply) {
	s := e.registries.pop(regDNSPtr, r.ID)
	if s == nil {
		return
	}
	if r.Err == nil {
		s.Hostname = r.Host
	}
	e.registries.park(regMfaConnect, s.ID, s)
	e.mfa.Connect(s.ID, mfaEnv(s))
}

// onMfaVerdict dispatches a Reply from Mfa to whichever registry holds
// its request id. RSET parks nowhere, so its verdict is
// silently dropped here, by design.
func (e *Engine) onMfaVerdict(id uint64, v mfa.Verdict) {
	if s := e.registries.pop(regMfaConnect, id); s != nil {
		e.onConnectVerdict(s, v)
		return
	}
	if s := e.registries.get(regMfaHelo, id); s != nil {
		e.onMfaHeloReply(id, v)
		return
	}
	if s := e.registries.get(regMfaMailFrom, id); s != nil {
		e.onMfaMailReply(id, v)
		return
	}
	if s := e.registries.get(regMfaRcpt, id); s != nil {
		e.onMfaRcptReply(id, v)
		return
	}
	// Unknown id: either a dropped RSET acknowledgement or a reply that
	// arrived after its session already tore down. Not an error.
}

// onConnectVerdict resumes a session parked in wait_mfa_connect.
func (e *Engine) onConnectVerdict(s *Session, v mfa.Verdict) {
	if !v.OK {
		e.reply(s, orInt(v.Code, c421ServiceUnavail), orStr(v.Secode, sePol7Other0), "%s", orStr(v.Reason, "Connection rejected"))
		s.State = StateQuit
		e.teardown(s, "connect refused")
		return
	}
	s.State = StateHelo
	if s.listener.cfg.SMTPS {
		e.beginTLS(s)
		return
	}
	e.sendBanner(s)
}

func (e *Engine) sendBanner(s *Session) {
	e.reply(s, c220ServiceReady, "", "%s %s", e.hostname, e.banner)
	e.resumeRead(s)
}

// beginTLS hands the connection to a TLS handshake running on its own
// goroutine, so the slow or hostile TLS negotiation of one client can
// never stall the event loop. The reader goroutine is left parked on s.resume until
// onTLSReady rewires s.br/s.bw to the tls.Conn.
func (e *Engine) beginTLS(s *Session) {
	s.tlsPending = true
	go func() {
		tc := tls.Server(s.conn, s.listener.tlscfg)
		err := tc.Handshake()
		e.tlsCh <- tlsReadyEvent{id: s.ID, conn: tc, err: err}
	}()
}

// onTLSReady resumes a session whose TLS handshake has
// finished, good or bad.
func (e *Engine) onTLSReady(ev tlsReadyEvent) {
	s := e.sessions[ev.id]
	if s == nil {
		ev.conn.Close()
		return
	}
	s.tlsPending = false
	if ev.err != nil {
		e.log.Info("tls handshake failed", slog.Uint64("session", s.ID), slog.String("err", ev.err.Error()))
		s.State = StateQuit
		e.teardown(s, "tls handshake failed")
		return
	}
	s.conn = ev.conn
	s.br = bufio.NewReaderSize(ev.conn, s.listener.cfg.MaxLineLength+64)
	s.bw = bufio.NewWriter(ev.conn)
	cs := ev.conn.ConnectionState()
	s.tlsVersion = tlsVersionName(cs.Version)
	s.tlsCipher = tls.CipherSuiteName(cs.CipherSuite)
	s.Flags.Set(FSecure)

	if s.State == StateHelo && s.Phase == PhaseInit {
		// Implicit-TLS (SMTPS) listener: handshake happened before any
		// HELO, so this is the first banner.
		e.sendBanner(s)
		return
	}
	// Explicit STARTTLS: RFC 3207 requires discarding any prior
	// HELO/transaction state.
	s.resetForHello()
	e.reply(s, c220ServiceReady, "", "%s Ready to start TLS", e.hostname)
	e.resumeRead(s)
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "TLS1.0"
	case tls.VersionTLS11:
		return "TLS1.1"
	case tls.VersionTLS12:
		return "TLS1.2"
	case tls.VersionTLS13:
		return "TLS1.3"
	default:
		return "unknown"
	}
}

// handleLine dispatches one line read off the wire to the FSM and, unless
// the session tore down, lets its reader goroutine read the next one.
func (e *Engine) handleLine(ev lineEvent) {
	s := e.sessions[ev.id]
	if s == nil {
		return
	}
	if ev.err != nil {
		if ev.err == errLineTooLong {
			e.reply(s, c500BadSyntax, seProto5Other0, "Line too long")
		}
		e.teardown(s, "connection closed: "+ev.err.Error())
		return
	}
	s.deadline = time.Now().Add(e.idleTimeout)
	e.onLine(s, ev.line, ev.pipelined)
	if s.State != StateQuit && !s.closed && !s.tlsPending {
		e.resumeRead(s)
	}
}

// sweepIdle tears down sessions that have exceeded the idle timeout.
func (e *Engine) sweepIdle() {
	now := time.Now()
	for _, s := range e.sessions {
		if now.After(s.deadline) {
			e.reply(s, c421ServiceUnavail, seSys3Other0, "Idle timeout")
			s.State = StateQuit
			e.teardown(s, "idle timeout")
		}
	}
}

// teardown closes a session's connection and releases every resource it
// held, exactly once: an open message id is
// rolled back, any parked registry entry is removed, and the reader
// goroutine is released.
func (e *Engine) teardown(s *Session, reason string) {
	if s.closed {
		return
	}
	s.closed = true
	e.registries.removeSession(s)
	if s.Env.MsgID != 0 {
		e.queue.RemoveMessage(s.Env.MsgID)
		s.Env.MsgID = 0
	}
	if s.spool != nil {
		s.spool.Close()
		s.spool = nil
	}
	s.bw.Flush()
	s.conn.Close()
	close(s.resume)
	delete(e.sessions, s.ID)
	s.listener.active--
	metrics.SessionClosed()
	e.log.Info("session closed", slog.Uint64("session", s.ID), slog.String("reason", reason))
}
