package session

import (
	"bufio"
	"encoding/base64"
	"io"
	"net"
	"testing"

	"github.com/mailcore/smtpd/internal/auth"
)

// newTestSession returns a Session wired to a net.Pipe so reply() can
// write without a real socket; the client side is drained in the
// background so writes never block.
func newTestSession(t *testing.T) *Session {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	go io.Copy(io.Discard, client)
	return &Session{
		ID:       1,
		conn:     server,
		bw:       bufio.NewWriter(server),
		listener: &listener{},
		resume:   make(chan struct{}, 1),
	}
}

type fakeChecker struct {
	calls []struct{ user, pass string }
}

func (f *fakeChecker) Authenticate(id uint64, user, pass string) {
	f.calls = append(f.calls, struct{ user, pass string }{user, pass})
}
func (f *fakeChecker) Close() error { return nil }

func newTestEngine() (*Engine, *fakeChecker) {
	fc := &fakeChecker{}
	e := &Engine{
		registries: newRegistries(),
		auth:       auth.Checker(fc),
	}
	return e, fc
}

func TestAuthPlainBlobValid(t *testing.T) {
	e, fc := newTestEngine()
	s := newTestSession(t)
	blob := base64.StdEncoding.EncodeToString([]byte("\x00user\x00secret"))

	e.authPlainBlob(s, blob)

	tcompare(t, len(fc.calls), 1)
	tcompare(t, fc.calls[0].user, "user")
	tcompare(t, fc.calls[0].pass, "secret")
	tcompare(t, s.authState.Pass, "") // zeroed immediately after dispatch
}

func TestAuthPlainBlobMismatchedAuthzid(t *testing.T) {
	e, fc := newTestEngine()
	s := newTestSession(t)
	blob := base64.StdEncoding.EncodeToString([]byte("other\x00user\x00secret"))

	e.authPlainBlob(s, blob)

	tcompare(t, len(fc.calls), 0)
	tcompare(t, s.State, StateHelo)
}

func TestDecodeAuthB64EqualsSign(t *testing.T) {
	b, err := decodeAuthB64("=")
	tcompare(t, err, error(nil))
	tcompare(t, b, []byte(nil))
}
