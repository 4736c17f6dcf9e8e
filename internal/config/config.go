// Package config holds the static configuration for the SMTP session
// engine, parsed from a tab-indented sconf file.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mjl-/sconf"
)

// Listener describes one TCP listener and the SMTP features it enables.
type Listener struct {
	Addr             string `sconf-doc:"Address to listen on, e.g. 0.0.0.0:25."`
	Hostname         string `sconf-doc:"Per-listener hostname. Not read by the session engine: the banner and HELO/EHLO response announce the top-level Hostname."`
	STARTTLS         bool   `sconf:"optional" sconf-doc:"Advertise and allow STARTTLS."`
	STARTTLSRequire  bool   `sconf:"optional" sconf-doc:"Refuse MAIL FROM until STARTTLS has completed."`
	SMTPS            bool   `sconf:"optional" sconf-doc:"Listener is implicit-TLS; handshake starts immediately on accept."`
	Auth             bool   `sconf:"optional" sconf-doc:"Advertise and allow AUTH PLAIN/LOGIN once secured."`
	AuthRequire      bool   `sconf:"optional" sconf-doc:"Refuse MAIL FROM until authenticated."`
	MaxLineLength    int    `sconf:"optional" sconf-doc:"Maximum command/data line length in bytes. Default 4096 if zero."`
	MaxMessageSize   int64  `sconf:"optional" sconf-doc:"Maximum accepted message size in bytes. Default 25MB if zero."`
	TLSCertFile      string `sconf:"optional"`
	TLSKeyFile       string `sconf:"optional"`
}

// Static is the top-level configuration file shape.
type Static struct {
	Hostname     string              `sconf-doc:"Full hostname of this system, e.g. mail.example.org."`
	Banner       string              `sconf:"optional" sconf-doc:"Text after the hostname in the 220 banner. Default 'ESMTP'."`
	LogLevel     string              `sconf:"optional" sconf-doc:"One of: error, info, debug, trace, traceauth."`
	SpoolDir     string              `sconf-doc:"Directory where in-progress message bodies are written."`
	IdleTimeout  time.Duration       `sconf:"optional" sconf-doc:"Per-session idle timeout. Default 5m if zero."`
	Listeners    map[string]Listener `sconf-doc:"Named listeners."`
	DNSResolvers []string            `sconf:"optional" sconf-doc:"Upstream DNS resolver addresses for PTR lookups, e.g. 127.0.0.1:53. Default system resolver if empty."`
	PostgresURL  string              `sconf:"optional" sconf-doc:"Postgres connection URL for queue metadata. Defaults to an in-memory store if empty (for local testing)."`
	BadgerDir    string              `sconf:"optional" sconf-doc:"Directory for the badger credential store. Defaults to an in-memory store if empty."`
	MetricsAddr  string              `sconf:"optional" sconf-doc:"Address to serve /metrics on, e.g. 127.0.0.1:8010."`
}

// Parse reads and validates a configuration file from r.
func Parse(r io.Reader) (Static, error) {
	var c Static
	if err := sconf.Parse(r, &c); err != nil {
		return Static{}, fmt.Errorf("parsing config: %w", err)
	}
	if c.Hostname == "" {
		return Static{}, fmt.Errorf("hostname must be set")
	}
	if c.Banner == "" {
		c.Banner = "ESMTP"
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	for name, l := range c.Listeners {
		if l.MaxLineLength == 0 {
			l.MaxLineLength = 4096
		}
		if l.MaxMessageSize == 0 {
			l.MaxMessageSize = 25 * 1024 * 1024
		}
		c.Listeners[name] = l
	}
	return c, nil
}

// ParseFile opens and parses path.
func ParseFile(path string) (Static, error) {
	f, err := os.Open(path)
	if err != nil {
		return Static{}, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Describe writes an annotated example configuration to w, for
// documentation/quickstart purposes.
func Describe(w io.Writer, c Static) error {
	return sconf.Describe(w, &c)
}
