package session

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mailcore/smtpd/internal/metrics"
)

const minReplyLen = 4 // no reply has fewer than 4 bytes

// writeDeadline bounds one reply flush so a stalled client can never stall
// the engine's single event-loop goroutine indefinitely.
const writeDeadline = 30 * time.Second

// reply formats and flushes a single-line SMTP reply, logging 4xx/5xx
// replies with the escaped offending command, and bumping kickcount on
// refusals. Only the minimum reply length is checked; a reply longer than
// the listener's line maximum is sent as is.
func (e *Engine) reply(s *Session, code int, secode string, format string, args ...any) {
	e.replyLines(s, code, secode, []string{fmt.Sprintf(format, args...)})
}

// replyLines formats a multi-line ESMTP reply: "XXX-" continuation lines
// with a terminal "XXX " line.
func (e *Engine) replyLines(s *Session, code int, secode string, lines []string) {
	if len(lines) == 0 {
		lines = []string{""}
	}
	var b strings.Builder
	for i, line := range lines {
		sep := byte(' ')
		if i < len(lines)-1 {
			sep = '-'
		}
		msg := line
		if secode != "" && (code/100 == 4 || code/100 == 5 || code/100 == 2) {
			msg = fmt.Sprintf("%d.%s %s", code/100, secode, line)
		}
		fmt.Fprintf(&b, "%d%c%s\r\n", code, sep, msg)
	}
	out := b.String()
	if len(out) < minReplyLen {
		panic(fmt.Sprintf("reply shorter than minimum: %q", out))
	}
	if code/100 == 4 || code/100 == 5 {
		e.log.Info("smtp reply",
			slog.Uint64("session", s.ID),
			slog.Int("code", code),
			slog.String("command", escapeForLog(s.LastCommand)))
		s.KickCount++
	}

	s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if _, err := s.bw.WriteString(out); err != nil {
		e.teardown(s, "write error")
		return
	}
	if err := s.bw.Flush(); err != nil {
		e.teardown(s, "write error")
		return
	}
	metrics.CommandObserve(s.LastCommand, strconv.Itoa(code), 0)

	if s.KickCount >= kickThreshold {
		s.Flags.Set(FKick)
		metrics.KickInc()
		e.log.Info("session not moving forward", slog.Uint64("session", s.ID))
		e.teardown(s, "kick")
	}
}

// escapeForLog renders non-printable bytes visibly "Every
// 4xx/5xx reply is logged with the offending command (escaped)."
func escapeForLog(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\n':
			b.WriteString(`\n`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\x%02x`, r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
