// Package smtpaddr holds the Mailaddr value type shared by the session
// engine and its collaborators (Queue, Mfa): a plain (user, domain) pair,
// without IDNA/UTF-8 address machinery this engine doesn't need.
package smtpaddr

import "strings"

// Mailaddr is a (user, domain) pair as it appears in MAIL FROM/RCPT TO. An
// empty User and empty Domain together denote the null sender <>.
type Mailaddr struct {
	User   string
	Domain string
}

// IsNull reports whether m is the null sender <>.
func (m Mailaddr) IsNull() bool {
	return m.User == "" && m.Domain == ""
}

// String renders "user@domain", or "" for the null sender.
func (m Mailaddr) String() string {
	if m.IsNull() {
		return ""
	}
	return m.User + "@" + m.Domain
}

// Equal compares case-insensitively on the domain, case-sensitively on the
// user part (per RFC 5321, the local part is opaque to us).
func (m Mailaddr) Equal(o Mailaddr) bool {
	return m.User == o.User && strings.EqualFold(m.Domain, o.Domain)
}
