package session

import (
	"strings"

	"github.com/mailcore/smtpd/internal/smtpaddr"
)

// parsePath accepts exactly "<local@domain>" or "<>", strips the angle
// brackets, and delegates to emailToMailaddr. The null sender "<>" is
// distinguished from invalid input.
func parsePath(s string) (smtpaddr.Mailaddr, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '<' || s[len(s)-1] != '>' {
		return smtpaddr.Mailaddr{}, false
	}
	inner := s[1 : len(s)-1]
	if inner == "" {
		return smtpaddr.Mailaddr{}, true // null sender <>
	}
	return emailToMailaddr(inner)
}

// emailToMailaddr validates and splits "user@domain" into its parts.
func emailToMailaddr(s string) (smtpaddr.Mailaddr, bool) {
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return smtpaddr.Mailaddr{}, false
	}
	user, domain := s[:at], s[at+1:]
	if !validLocalpart(user) || !validDomain(domain) {
		return smtpaddr.Mailaddr{}, false
	}
	return smtpaddr.Mailaddr{User: user, Domain: domain}, true
}

func validLocalpart(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		if r <= 0x20 || r == 0x7f || r == '@' {
			return false
		}
	}
	return true
}

func validDomain(s string) bool {
	if s == "" || len(s) > 255 {
		return false
	}
	labels := strings.Split(s, ".")
	for _, l := range labels {
		if l == "" || len(l) > 63 {
			return false
		}
		for _, r := range l {
			ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-'
			if !ok {
				return false
			}
		}
		if l[0] == '-' || l[len(l)-1] == '-' {
			return false
		}
	}
	return true
}
