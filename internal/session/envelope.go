package session

import "github.com/mailcore/smtpd/internal/smtpaddr"

// Envelope is stable per message attempt. It is distinct from the
// message body: sender + current recipient + metadata for one delivery
// attempt.
type Envelope struct {
	Tag         string // UUIDv4 correlation tag for this transaction.
	SessionID   uint64
	MsgID       uint64 // Assigned by Queue on MAIL FROM; 0 until then.
	Peer        string
	Helo        string
	Sender      smtpaddr.Mailaddr
	Rcpt        smtpaddr.Mailaddr // Current recipient being processed.
	LocalBounce bool
}

// AuthState holds an in-flight SASL credential check. Pass is
// zeroed immediately after dispatch to Auth and must never be logged.
type AuthState struct {
	User      string
	Pass      string
	SessionID uint64
}

// Zero overwrites Pass so it is not retained in memory after the credential
// check has been dispatched.
func (a *AuthState) Zero() {
	b := []byte(a.Pass)
	for i := range b {
		b[i] = 0
	}
	a.Pass = ""
}
