package session

import "fmt"

// smtpError is recovered once per command at the dispatch loop and turned
// into an SMTP reply. It lets deeply nested parsing/validation code abort
// a command without threading an error return through every call in the
// chain.
type smtpError struct {
	code     int
	secode   string
	err      error
	teardown bool // If true, enter StateQuit after the reply (line-too-long, etc).
}

func (e smtpError) Error() string { return e.err.Error() }
func (e smtpError) Unwrap() error { return e.err }

// xerrorf aborts the current command with an SMTP reply carrying code and
// the short enhanced code secode, without teardown.
func xerrorf(code int, secode string, format string, args ...any) {
	panic(smtpError{code: code, secode: secode, err: fmt.Errorf(format, args...)})
}

// xerrorTeardown is like xerrorf but also tears down the connection after
// the reply is flushed (line too long, fatal protocol violation).
func xerrorTeardown(code int, secode string, format string, args ...any) {
	panic(smtpError{code: code, secode: secode, err: fmt.Errorf(format, args...), teardown: true})
}

// xcheckf panics with a 421 temporary-failure reply wrapping err, for
// collaborator-facing code paths that hit an unexpected local error
// (spool write failure, etc) rather than a protocol violation.
func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	panic(smtpError{code: 421, secode: seOther00, err: fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)})
}
