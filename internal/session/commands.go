package session

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/mailcore/smtpd/internal/mfa"
	"github.com/mailcore/smtpd/internal/smtpaddr"
)

// mfaEnv projects the subset of Session state the Mfa collaborator needs
// to decide.
func mfaEnv(s *Session) mfa.Envelope {
	return mfa.Envelope{
		SessionID: s.ID,
		Peer:      s.peerStr,
		Helo:      s.Env.Helo,
		Sender:    s.Env.Sender,
		Rcpt:      s.Env.Rcpt,
	}
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// cmdHelo and cmdEhlo both implement the HELO/EHLO handshake,
// differing only in the flag set and reply shape.
func (e *Engine) cmdHelo(s *Session, arg string) { e.helo(s, arg, false) }
func (e *Engine) cmdEhlo(s *Session, arg string) { e.helo(s, arg, true) }

func (e *Engine) helo(s *Session, arg string, ehlo bool) {
	domain := strings.TrimSpace(arg)
	if domain == "" {
		xerrorf(c501BadParamSyntax, seProto5BadParams4, "%s requires a domain argument", helloVerb(ehlo))
	}
	s.resetForHello()
	s.Env.Helo = domain
	if ehlo {
		s.Flags.Set(FEhlo)
	}
	e.registries.park(regMfaHelo, s.ID, s)
	e.mfa.Helo(s.ID, mfaEnv(s))
}

func helloVerb(ehlo bool) string {
	if ehlo {
		return "EHLO"
	}
	return "HELO"
}

// onMfaHeloReply resumes a session parked in wait_mfa_helo.
func (e *Engine) onMfaHeloReply(id uint64, v mfa.Verdict) {
	s := e.registries.pop(regMfaHelo, id)
	if s == nil {
		return
	}
	if !v.OK {
		e.reply(s, orInt(v.Code, c553BadMailbox), orStr(v.Secode, sePol7Other0), "%s", orStr(v.Reason, "Helo rejected"))
		return
	}
	s.State = StateHelo
	s.Phase = PhaseSetup
	if s.Flags.Has(FEhlo) {
		e.replyLines(s, c250Completed, "", e.ehloLines(s))
		return
	}
	e.reply(s, c250Completed, "", "%s Hello %s [%s], pleased to meet you", e.hostname, s.Env.Helo, s.RemoteIP.String())
}

// cmdStarttls announces willingness and hands off to the engine's
// asynchronous TLS handshake.
func (e *Engine) cmdStarttls(s *Session, arg string) {
	if !s.listener.cfg.STARTTLS {
		xerrorf(c500BadSyntax, seProto5Other0, "STARTTLS not supported")
	}
	if s.Flags.Has(FSecure) {
		xerrorf(c503BadCmdSeq, seProto5BadCmdOrSeq1, "Already running under TLS")
	}
	if arg != "" {
		xerrorf(c501BadParamSyntax, seProto5BadParams4, "STARTTLS takes no parameters")
	}
	e.reply(s, c220ServiceReady, "", "Ready to start TLS")
	e.beginTLS(s)
}

// cmdMail starts a transaction. Sender syntax and
// supported ESMTP parameters are validated locally before consulting Mfa.
func (e *Engine) cmdMail(s *Session, arg string) {
	xneedPhase(s, PhaseSetup)
	if s.listener.cfg.STARTTLSRequire && !s.Flags.Has(FSecure) {
		xerrorf(c530SecurityReq, sePol7EncReqForAuth11, "Must issue STARTTLS first")
	}
	if s.listener.cfg.AuthRequire && !s.Flags.Has(FAuthenticated) {
		xerrorf(c530SecurityReq, sePol7Other0, "Authentication required")
	}
	if s.MailCount >= maxMailPerSession {
		xerrorf(c452StorageFull, seSys3Other0, "Too many messages this session")
	}

	path, params := splitMailParams(arg)
	addr, ok := parsePath(path)
	if !ok {
		xerrorf(c553BadMailbox, seAddrSenderSyntax7, "Sender address syntax error")
	}
	for _, p := range params {
		switch p.key {
		case "BODY":
			switch strings.ToUpper(p.value) {
			case "8BITMIME":
				s.Flags.Set(F8BitMIME)
			case "7BIT", "":
				s.Flags.Clear(F8BitMIME)
			default:
				xerrorf(c501BadParamSyntax, seProto5BadParams4, "Unsupported BODY value")
			}
		case "SIZE":
			n, err := strconv.ParseInt(p.value, 10, 64)
			if err != nil || n < 0 || (s.listener.cfg.MaxMessageSize > 0 && n > s.listener.cfg.MaxMessageSize) {
				xerrorf(c452StorageFull, seSys3Other0, "Message too large")
			}
		case "AUTH":
			// Accepted and otherwise ignored; this engine does not impersonate
			// submitters on behalf of a relaying MTA.
		default:
			xerrorf(c501BadParamSyntax, seProto5BadParams4, "Unsupported MAIL FROM parameter %q", p.key)
		}
	}

	s.Env.Sender = addr
	s.Env.Tag = uuid.New().String()
	e.registries.park(regMfaMailFrom, s.ID, s)
	e.mfa.Mail(s.ID, mfaEnv(s))
}

// onMfaMailReply resumes a session parked in wait_mfa_mailfrom.
func (e *Engine) onMfaMailReply(id uint64, v mfa.Verdict) {
	s := e.registries.pop(regMfaMailFrom, id)
	if s == nil {
		return
	}
	if !v.OK {
		e.reply(s, orInt(v.Code, c553BadMailbox), orStr(v.Secode, seAddrSenderSyntax7), "%s", orStr(v.Reason, "Sender rejected"))
		return
	}
	if !v.Mailaddr.IsNull() {
		s.Env.Sender = v.Mailaddr
	}
	e.registries.park(regQueueMsg, s.ID, s)
	e.queue.CreateMessage(s.ID, s.Env.Tag, s.Env.Sender)
}

// onQueueCreateReply resumes a session parked in wait_queue_msg.
func (e *Engine) onQueueCreateReply(id uint64, ok bool, msgID uint64) {
	s := e.registries.pop(regQueueMsg, id)
	if s == nil {
		return
	}
	if !ok {
		s.Env.Sender = smtpaddr.Mailaddr{}
		e.reply(s, c421ServiceUnavail, seSys3Other0, "Temporary failure creating message")
		return
	}
	s.Env.MsgID = msgID
	s.Phase = PhaseTransaction
	e.reply(s, c250Completed, seOther00, "Ok")
}

// cmdRcpt adds one recipient to the open transaction.
func (e *Engine) cmdRcpt(s *Session, arg string) {
	xneedPhase(s, PhaseTransaction)
	if s.RcptCount >= maxRcptPerMessage {
		xerrorf(c452StorageFull, seProto5TooManyRcpts3, "Too many recipients")
	}
	addr, ok := parsePath(arg)
	if !ok || addr.IsNull() {
		xerrorf(c553BadMailbox, seAddrRecipSyntax3, "Recipient address syntax error")
	}
	s.Env.Rcpt = addr
	e.registries.park(regMfaRcpt, s.ID, s)
	e.mfa.Rcpt(s.ID, mfaEnv(s))
}

// onMfaRcptReply resumes a session parked in wait_mfa_rcpt on Mfa's
// verdict, but does not pop the registry entry: recipient expansion
// continues through Queue's SubmitEnvelope/CommitEnvelopes before the
// client finally gets its reply.
func (e *Engine) onMfaRcptReply(id uint64, v mfa.Verdict) {
	s := e.registries.get(regMfaRcpt, id)
	if s == nil {
		return
	}
	if !v.OK {
		e.registries.pop(regMfaRcpt, id)
		e.reply(s, orInt(v.Code, c553BadMailbox), orStr(v.Secode, seAddrRecipSyntax3), "%s", orStr(v.Reason, "Recipient rejected"))
		return
	}
	if !v.Mailaddr.IsNull() {
		s.Env.Rcpt = v.Mailaddr
	}
	e.queue.SubmitEnvelope(id, s.Env.MsgID, s.Env.Rcpt)
}

// onQueueSubmitReply is the intermediate Queue step still held by
// wait_mfa_rcpt. A submit failure only marks the delivery
// status; the transaction still proceeds to CommitEnvelopes, per the
// resolved open question (see design notes).
func (e *Engine) onQueueSubmitReply(id uint64, ok bool) {
	s := e.registries.get(regMfaRcpt, id)
	if s == nil {
		return
	}
	if !ok {
		s.DStatus.Set(DStatusTempfail)
		e.log.Info("envelope submission failed, proceeding to commit")
	}
	e.queue.CommitEnvelopes(id, s.Env.MsgID)
}

// onQueueCommitEnvReply finally pops wait_mfa_rcpt and answers the RCPT
// command.
func (e *Engine) onQueueCommitEnvReply(id uint64, ok bool) {
	s := e.registries.pop(regMfaRcpt, id)
	if s == nil {
		return
	}
	if !ok {
		e.reply(s, c421ServiceUnavail, seSys3Other0, "Temporary failure recording recipient")
		return
	}
	s.RcptCount++
	s.DestCount++
	s.KickCount = 0
	e.reply(s, c250Completed, seOther00, "Recipient ok")
}

// cmdRset aborts any open transaction and returns to SETUP. RSET's acknowledgement from Mfa is fire-and-forget: no registry
// parks it, so the eventual Reply is dropped by the dispatcher.
func (e *Engine) cmdRset(s *Session, arg string) {
	if s.Env.MsgID != 0 {
		e.queue.RemoveMessage(s.Env.MsgID)
	}
	s.rset()
	e.mfa.Rset(s.ID, mfaEnv(s))
	e.reply(s, c250Completed, "", "Ok")
}

func (e *Engine) cmdQuit(s *Session, arg string) {
	e.reply(s, c221Closing, "", "%s Closing connection", e.hostname)
	s.State = StateQuit
	e.teardown(s, "quit")
}

func (e *Engine) cmdNoop(s *Session, arg string) {
	e.reply(s, c250Completed, seOther00, "Ok")
}

func (e *Engine) cmdHelp(s *Session, arg string) {
	e.reply(s, c214Help, "", "This is an SMTP server")
}
