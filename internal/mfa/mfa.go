// Package mfa implements the filter/policy collaborator: given an envelope
// and a request id, it yields OK or a refusal with an SMTP code for
// CONNECT, HELO/EHLO, MAIL FROM, RCPT TO, RSET, and optionally per-DATA-line
// scrubbing.
//
// Engine is the interface the session engine consumes; AllowAll is a
// permissive default for local testing, and AMQPClient is an adapter that
// dispatches requests to a remote policy process over
// github.com/streadway/amqp, correlating replies by AMQP CorrelationId.
package mfa

import (
	"fmt"
	"strconv"
	"time"

	"github.com/streadway/amqp"

	"github.com/mailcore/smtpd/internal/mlog"
	"github.com/mailcore/smtpd/internal/smtpaddr"
)

// Verdict is OK or a refusal carrying an SMTP reply code.
type Verdict struct {
	OK     bool
	Code   int
	Secode string
	Reason string
	// Mailaddr is set on successful MAIL/RCPT verdicts when the filter
	// rewrites the address (e.g. alias expansion); empty otherwise.
	Mailaddr smtpaddr.Mailaddr
}

// Reply is the asynchronous reply to Connect/Helo/Mail/Rcpt/Rset, correlated
// by ID.
type Reply struct {
	ID      uint64
	Verdict Verdict
}

// DataLineReply is one line of the streaming per-DATA-line scrub reply. The
// stream ends with a reply where Line == "." (the sentinel).
type DataLineReply struct {
	ID   uint64
	Line string
}

// Request kinds, used only for logging/metrics labels.
const (
	KindConnect = "connect"
	KindHelo    = "helo"
	KindMail    = "mail"
	KindRcpt    = "rcpt"
	KindRset    = "rset"
)

// Envelope is the subset of session.Envelope the filter needs to decide.
type Envelope struct {
	SessionID uint64
	Peer      string
	Helo      string
	Sender    smtpaddr.Mailaddr
	Rcpt      smtpaddr.Mailaddr
}

// Engine is the collaborator the session engine consults before honoring
// CONNECT/HELO/MAIL/RCPT/RSET, and optionally for DATA-line scrubbing.
type Engine interface {
	Connect(id uint64, env Envelope)
	Helo(id uint64, env Envelope)
	Mail(id uint64, env Envelope)
	Rcpt(id uint64, env Envelope)
	Rset(id uint64, env Envelope)
	// DataLine forwards one received body line for scrubbing; replies
	// stream on the DataLineReply channel given to the constructor, ending
	// with a Line == "." sentinel. DataLineEnabled reports whether the
	// session should bother calling DataLine at all.
	DataLine(id uint64, line string)
	DataLineEnabled() bool
	Close() error
}

// AllowAll is a permissive Engine that approves everything, for local
// testing and Localserve-style setups.
type AllowAll struct {
	replies chan<- Reply
}

func NewAllowAll(replies chan<- Reply) *AllowAll {
	return &AllowAll{replies: replies}
}

func (a *AllowAll) Connect(id uint64, env Envelope) { a.ok(id) }
func (a *AllowAll) Helo(id uint64, env Envelope)    { a.ok(id) }
func (a *AllowAll) Mail(id uint64, env Envelope)    { a.ok(id) }
func (a *AllowAll) Rcpt(id uint64, env Envelope)    { a.ok(id) }
func (a *AllowAll) Rset(id uint64, env Envelope)    { a.ok(id) }
func (a *AllowAll) ok(id uint64)                    { a.replies <- Reply{ID: id, Verdict: Verdict{OK: true}} }

func (a *AllowAll) DataLine(id uint64, line string)     {}
func (a *AllowAll) DataLineEnabled() bool                { return false }
func (a *AllowAll) Close() error                          { return nil }

// AMQPClient dispatches filter requests to a remote policy process over an
// AMQP broker: one request is published per CONNECT/HELO/MAIL/RCPT/RSET to
// the "mfa.requests" exchange, with CorrelationId set to the decimal
// request id and ReplyTo set to a private reply queue this client
// consumes, the standard AMQP RPC request/reply pattern, carrying the same
// correlation-by-id idiom the in-process registries use over the wire.
type AMQPClient struct {
	log     mlog.Log
	conn    *amqp.Connection
	ch      *amqp.Channel
	replyTo string

	replies     chan<- Reply
	dataReplies chan<- DataLineReply
	dataEnabled bool
}

// NewAMQPClient dials url and declares the exchange/reply-queue topology.
func NewAMQPClient(log mlog.Log, url string, dataEnabled bool, replies chan<- Reply, dataReplies chan<- DataLineReply) (*AMQPClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing policy broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if err := ch.ExchangeDeclare("mfa.requests", "direct", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring reply queue: %w", err)
	}
	c := &AMQPClient{
		log:         log,
		conn:        conn,
		ch:          ch,
		replyTo:     q.Name,
		replies:     replies,
		dataReplies: dataReplies,
		dataEnabled: dataEnabled,
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("consuming reply queue: %w", err)
	}
	go c.consume(msgs)
	return c, nil
}

func (c *AMQPClient) consume(msgs <-chan amqp.Delivery) {
	for d := range msgs {
		id, err := strconv.ParseUint(d.CorrelationId, 10, 64)
		if err != nil {
			c.log.Errorx("policy reply with bad correlation id", err)
			continue
		}
		if d.Type == "dataline" {
			c.dataReplies <- DataLineReply{ID: id, Line: string(d.Body)}
			continue
		}
		v := Verdict{OK: d.Type == "ok"}
		if !v.OK {
			// The remote policy process carries the refusal code in the
			// "code" and "secode" headers.
			if code, ok := d.Headers["code"].(int32); ok {
				v.Code = int(code)
			}
			if secode, ok := d.Headers["secode"].(string); ok {
				v.Secode = secode
			}
			v.Reason = string(d.Body)
		}
		c.replies <- Reply{ID: id, Verdict: v}
	}
}

func (c *AMQPClient) publish(kind string, id uint64, env Envelope) {
	body := fmt.Sprintf("peer=%s helo=%s sender=%s rcpt=%s", env.Peer, env.Helo, env.Sender.String(), env.Rcpt.String())
	err := c.ch.Publish("mfa.requests", kind, false, false, amqp.Publishing{
		ContentType:   "text/plain",
		CorrelationId: strconv.FormatUint(id, 10),
		ReplyTo:       c.replyTo,
		Timestamp:     time.Now(),
		Body:          []byte(body),
	})
	if err != nil {
		c.log.Errorx("publishing policy request", err)
		// Fail closed: report a transient refusal rather than hang the
		// registry entry forever.
		c.replies <- Reply{ID: id, Verdict: Verdict{OK: false, Code: 421, Secode: "4.3.0", Reason: "policy engine unreachable"}}
	}
}

func (c *AMQPClient) Connect(id uint64, env Envelope) { c.publish(KindConnect, id, env) }
func (c *AMQPClient) Helo(id uint64, env Envelope)    { c.publish(KindHelo, id, env) }
func (c *AMQPClient) Mail(id uint64, env Envelope)    { c.publish(KindMail, id, env) }
func (c *AMQPClient) Rcpt(id uint64, env Envelope)    { c.publish(KindRcpt, id, env) }
func (c *AMQPClient) Rset(id uint64, env Envelope)    { c.publish(KindRset, id, env) }

func (c *AMQPClient) DataLine(id uint64, line string) {
	err := c.ch.Publish("mfa.requests", "dataline", false, false, amqp.Publishing{
		ContentType:   "text/plain",
		CorrelationId: strconv.FormatUint(id, 10),
		ReplyTo:       c.replyTo,
		Type:          "dataline",
		Body:          []byte(line),
	})
	if err != nil {
		c.log.Errorx("publishing data line", err)
		c.dataReplies <- DataLineReply{ID: id, Line: "."}
	}
}

func (c *AMQPClient) DataLineEnabled() bool { return c.dataEnabled }

func (c *AMQPClient) Close() error {
	c.ch.Close()
	return c.conn.Close()
}
