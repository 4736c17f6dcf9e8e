package session

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mailcore/smtpd/internal/metrics"
)

// cmdData starts the DATA phase. Preconditions: phase ==
// TRANSACTION and at least one accepted recipient.
func (e *Engine) cmdData(s *Session, arg string) {
	xneedPhase(s, PhaseTransaction)
	if s.RcptCount == 0 {
		xerrorf(c503BadCmdSeq, seProto5BadCmdOrSeq1, "No recipient specified")
	}
	e.registries.park(regQueueFd, s.ID, s)
	e.queue.MessageFile(s.ID, s.Env.MsgID)
}

// onQueueFileReply resumes a session parked in wait_queue_fd once Queue has
// opened (or failed to open) the spool file descriptor.
func (e *Engine) onQueueFileReply(id uint64, ok bool, file *os.File) {
	s := e.registries.pop(regQueueFd, id)
	if s == nil {
		return
	}
	if !ok {
		e.reply(s, c421ServiceUnavail, seSys3Other0, "Temporary failure opening spool file")
		return
	}
	s.spool = file
	s.DataLen = 0
	if _, err := s.spool.WriteString(e.buildReceivedHeader(s)); err != nil {
		s.DStatus.Set(DStatusTempfail)
	}
	s.State = StateBody
	if e.mfa.DataLineEnabled() {
		e.registries.park(regMfaData, s.ID, s)
	} else {
		s.Flags.Set(FMfaEnd)
	}
	e.reply(s, c354Continue, "", "Enter mail, end with \".\" on a line by itself")
}

// buildReceivedHeader renders the trailer prepended to every accepted
// message, including the recipient comment only when there is
// exactly one recipient.
func (e *Engine) buildReceivedHeader(s *Session) string {
	var b strings.Builder
	proto := "SMTP"
	if s.Flags.Has(FEhlo) {
		proto = "ESMTP"
	}
	fmt.Fprintf(&b, "Received: from %s (%s [%s]);\n", s.Env.Helo, s.Hostname, s.RemoteIP.String())
	fmt.Fprintf(&b, "\tby %s with %s id %d;\n", e.hostname, proto, s.Env.MsgID)
	if s.Flags.Has(FSecure) {
		fmt.Fprintf(&b, "\tTLS version=%s cipher=%s bits=%d;\n", s.tlsVersion, s.tlsCipher, s.tlsBits)
	}
	if s.RcptCount == 1 {
		fmt.Fprintf(&b, "\tfor <%s>;\n", s.Env.Rcpt.String())
	}
	fmt.Fprintf(&b, "\t%s\n", time.Now().Format(time.RFC1123Z))
	return b.String()
}

// sinkLine implements the DATA line sink: dot-unstuffing, 7-bit
// masking, size capping, and the spool write. It reports whether line was
// the sole-dot end-of-body marker, never written to disk.
func (e *Engine) sinkLine(s *Session, line string) (isEnd bool) {
	if line == "." {
		return true
	}
	if s.spool == nil {
		return false // Body already ended; draining stray lines while Queue commits.
	}
	body := line
	if strings.HasPrefix(body, ".") {
		body = body[1:] // RFC 5321 §4.5.2 dot-unstuffing.
	}
	if !s.Flags.Has(F8BitMIME) {
		b := []byte(body)
		for i := range b {
			b[i] &= 0x7f
		}
		body = string(b)
	}

	added := int64(len(body)) + 1
	newSize := s.DataLen + added
	if newSize < s.DataLen || (s.listener.cfg.MaxMessageSize > 0 && newSize > s.listener.cfg.MaxMessageSize) {
		s.DStatus.Set(DStatusPermfail)
		return false
	}
	if s.DStatus.Has(DStatusPermfail) || s.DStatus.Has(DStatusTempfail) {
		return false // Already failed; keep draining without further writes.
	}

	n, err := s.spool.WriteString(body + "\n")
	if err != nil || int64(n) != added {
		s.DStatus.Set(DStatusTempfail)
		return false
	}
	s.DataLen = newSize
	return false
}

// dataLine handles one complete line received while in StateBody. If Mfa
// has DATA-line scrubbing enabled, lines are forwarded to it instead of
// sunk directly; otherwise F_MFA_END was pre-set on entry to BODY so the
// EOB gate can fire as soon as F_SMTP_END is set.
func (e *Engine) dataLine(s *Session, line string) {
	if e.mfa.DataLineEnabled() {
		if line == "." {
			s.Flags.Set(FSMTPEnd)
		}
		e.mfa.DataLine(s.ID, line)
		return
	}
	if e.sinkLine(s, line) {
		s.Flags.Set(FSMTPEnd)
		e.checkEOB(s)
	}
}

// onMfaDataLineReply resumes a session parked in wait_mfa_data with one
// scrubbed line from the filter.
func (e *Engine) onMfaDataLineReply(id uint64, line string) {
	s := e.registries.get(regMfaData, id)
	if s == nil {
		return
	}
	if line == "." {
		e.registries.pop(regMfaData, id)
		s.Flags.Set(FMfaEnd)
		e.checkEOB(s)
		return
	}
	e.sinkLine(s, line)
}

// checkEOB implements the end-of-body gate: fires only once
// both F_SMTP_END and F_MFA_END are set.
func (e *Engine) checkEOB(s *Session) {
	if !s.Flags.Has(FSMTPEnd) || !s.Flags.Has(FMfaEnd) {
		return
	}
	s.Flags.Clear(FSMTPEnd)
	s.Flags.Clear(FMfaEnd)
	s.Phase = PhaseSetup
	if s.spool != nil {
		s.spool.Close()
		s.spool = nil
	}

	switch {
	case s.DStatus.Has(DStatusPermfail):
		e.queue.RemoveMessage(s.Env.MsgID)
		s.Env.MsgID = 0
		s.State = StateHelo
		metrics.DeliveryInc("permfail")
		e.reply(s, c554TxnFailed, seOther00, "Transaction failed")
	case s.DStatus.Has(DStatusTempfail):
		e.queue.RemoveMessage(s.Env.MsgID)
		s.Env.MsgID = 0
		s.State = StateQuit
		metrics.DeliveryInc("tempfail")
		e.reply(s, c421ServiceUnavail, seSys3Other0, "Temporary failure writing message")
		e.teardown(s, "spool write failure")
	default:
		e.registries.park(regQueueCommit, s.ID, s)
		e.queue.CommitMessage(s.ID, s.Env.MsgID)
	}
}

// onQueueCommitMsgReply resumes a session parked in wait_queue_commit.
func (e *Engine) onQueueCommitMsgReply(id uint64, ok bool, msgID uint64) {
	s := e.registries.pop(regQueueCommit, id)
	if s == nil {
		return
	}
	if !ok {
		s.State = StateQuit
		metrics.DeliveryInc("tempfail")
		e.reply(s, c421ServiceUnavail, seSys3Other0, "Temporary failure committing message")
		e.teardown(s, "commit failure")
		return
	}
	s.MailCount++
	s.Env.MsgID = 0
	s.State = StateHelo
	s.KickCount = 0
	metrics.DeliveryInc("accepted")
	e.reply(s, c250Completed, seOther00, "%08x Message accepted for delivery", msgID)
}
