package session

import (
	"testing"

	"github.com/mailcore/smtpd/internal/smtpaddr"
)

func TestParsePath(t *testing.T) {
	addr, ok := parsePath("<user@example.org>")
	tcompare(t, ok, true)
	tcompare(t, addr, smtpaddr.Mailaddr{User: "user", Domain: "example.org"})

	addr, ok = parsePath("<>")
	tcompare(t, ok, true)
	tcompare(t, addr.IsNull(), true)

	_, ok = parsePath("user@example.org")
	tcompare(t, ok, false)

	_, ok = parsePath("<user@>")
	tcompare(t, ok, false)

	_, ok = parsePath("<@example.org>")
	tcompare(t, ok, false)

	_, ok = parsePath("<user@-bad.org>")
	tcompare(t, ok, false)
}

func TestValidDomain(t *testing.T) {
	tcompare(t, validDomain("example.org"), true)
	tcompare(t, validDomain("a.b.c-d.org"), true)
	tcompare(t, validDomain(""), false)
	tcompare(t, validDomain("-bad.org"), false)
	tcompare(t, validDomain("bad-.org"), false)
	tcompare(t, validDomain("has space.org"), false)
}
