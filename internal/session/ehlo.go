package session

import "fmt"

// ehloLines builds the EHLO response body: the greeting line
// followed by advertised extensions. STARTTLS is offered only if the
// listener supports it and the session isn't secured yet; AUTH only if the
// listener supports it, the session is secured, and not yet authenticated.
func (e *Engine) ehloLines(s *Session) []string {
	lines := []string{
		fmt.Sprintf("%s Hello %s [%s], pleased to meet you", e.hostname, s.Env.Helo, s.RemoteIP.String()),
		"8BITMIME",
		"ENHANCEDSTATUSCODES",
		fmt.Sprintf("SIZE %d", s.listener.cfg.MaxMessageSize),
	}
	if s.listener.cfg.STARTTLS && !s.Flags.Has(FSecure) {
		lines = append(lines, "STARTTLS")
	}
	if s.listener.cfg.Auth && s.Flags.Has(FSecure) && !s.Flags.Has(FAuthenticated) {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	lines = append(lines, "HELP")
	return lines
}
