package session

import (
	"encoding/base64"
	"log/slog"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/mailcore/smtpd/internal/metrics"
)

// cmdAuth starts the SASL sub-protocol. Only PLAIN and LOGIN
// are supported.
func (e *Engine) cmdAuth(s *Session, arg string) {
	if s.Phase != PhaseSetup {
		xerrorf(c503BadCmdSeq, seProto5BadCmdOrSeq1, "authentication not allowed here")
	}
	if !s.listener.cfg.Auth {
		xerrorf(c503BadCmdSeq, seProto5BadCmdOrSeq1, "AUTH not supported")
	}
	if !s.Flags.Has(FSecure) {
		xerrorf(c538EncReqForAuth, sePol7EncReqForAuth11, "authentication requires tls")
	}
	if s.Flags.Has(FAuthenticated) {
		xerrorf(c503BadCmdSeq, seProto5BadCmdOrSeq1, "already authenticated")
	}

	mech, rest, _ := strings.Cut(arg, " ")
	mech = strings.ToUpper(strings.TrimSpace(mech))
	rest = strings.TrimSpace(rest)

	switch mech {
	case "PLAIN":
		s.authMech = "PLAIN"
		if rest == "" {
			s.State = StateAuthInit
			e.reply(s, c334ContinueAuth, "", "")
			return
		}
		e.authPlainBlob(s, rest)
	case "LOGIN":
		s.authMech = "LOGIN"
		s.State = StateAuthUsername
		e.reply(s, c334ContinueAuth, "", base64.StdEncoding.EncodeToString([]byte("Username:")))
	default:
		xerrorf(c500BadSyntax, seProto5Other0, "unsupported AUTH mechanism")
	}
}

// authContinuation handles a line received while in one of the SASL states.
func (e *Engine) authContinuation(s *Session, line string) {
	switch s.State {
	case StateAuthInit:
		e.authPlainBlob(s, line)
	case StateAuthUsername:
		user, err := decodeAuthB64(line)
		if err != nil {
			e.authAbort(s, "invalid base64")
			return
		}
		s.authState.User = norm.NFC.String(string(user))
		s.State = StateAuthPassword
		e.reply(s, c334ContinueAuth, "", base64.StdEncoding.EncodeToString([]byte("Password:")))
	case StateAuthPassword:
		pass, err := decodeAuthB64(line)
		if err != nil {
			e.authAbort(s, "invalid base64")
			return
		}
		s.authState.Pass = string(pass)
		e.dispatchAuth(s)
	}
}

// authPlainBlob decodes and validates a SASL PLAIN blob:
// [authzid] \0 authcid \0 password.
func (e *Engine) authPlainBlob(s *Session, b64 string) {
	buf, err := decodeAuthB64(b64)
	if err != nil {
		e.authAbort(s, "invalid base64")
		return
	}
	parts := strings.SplitN(string(buf), "\x00", 3)
	if len(parts) != 3 || parts[1] == "" {
		s.State = StateHelo
		metrics.AuthenticationInc("plain", "error")
		e.reply(s, c501BadParamSyntax, seProto5BadParams4, "Syntax error")
		return
	}
	authzid, authcid, password := parts[0], parts[1], parts[2]
	if authzid != "" && authzid != authcid {
		s.State = StateHelo
		metrics.AuthenticationInc("plain", "badcreds")
		e.reply(s, c535AuthBadCreds, sePol7AuthBadCreds8, "Authentication failed")
		return
	}
	s.authState.User = norm.NFC.String(authcid)
	s.authState.Pass = password
	e.dispatchAuth(s)
}

func decodeAuthB64(line string) ([]byte, error) {
	if line == "=" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(line)
}

func (e *Engine) authAbort(s *Session, reason string) {
	s.State = StateHelo
	metrics.AuthenticationInc(strings.ToLower(s.authMech), "aborted")
	e.reply(s, c501BadParamSyntax, seProto5Syntax2, "Syntax error")
	e.log.Info("auth aborted", slog.Uint64("session", s.ID), slog.String("reason", reason))
}

// dispatchAuth sends the credential check to Auth and parks the session in
// wait_parent_auth, zeroing the password immediately after.
func (e *Engine) dispatchAuth(s *Session) {
	s.State = StateAuthFinalize
	user, pass := s.authState.User, s.authState.Pass
	e.registries.park(regParentAuth, s.ID, s)
	e.auth.Authenticate(s.ID, user, pass)
	s.authState.Zero()
}

// onAuthReply resumes a session parked in wait_parent_auth.
func (e *Engine) onAuthReply(id uint64, ok bool) {
	s := e.registries.pop(regParentAuth, id)
	if s == nil {
		return // session already gone; not an error.
	}
	s.State = StateHelo
	variant := strings.ToLower(s.authMech)
	if ok {
		s.Flags.Set(FAuthenticated)
		s.KickCount = 0
		s.authFailed = 0
		metrics.AuthenticationInc(variant, "ok")
		e.reply(s, c235AuthSuccess, "", "Authentication succeeded")
		return
	}
	s.authFailed++
	metrics.AuthenticationInc(variant, "badcreds")
	e.reply(s, c535AuthBadCreds, sePol7AuthBadCreds8, "Authentication failed")
}
