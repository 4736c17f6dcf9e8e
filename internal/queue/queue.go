// Package queue implements the Queue collaborator: creating messages,
// opening a spool file descriptor for writing, accepting envelope
// submissions per recipient, and committing or rolling back a message.
//
// Message/envelope metadata is kept in Postgres via github.com/jackc/pgx/v4;
// message bodies are plain files in a spool directory.
package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/mailcore/smtpd/internal/mlog"
	"github.com/mailcore/smtpd/internal/smtpaddr"
)

// CreateReply is the asynchronous reply to CreateMessage, correlated by ID.
type CreateReply struct {
	ID    uint64
	OK    bool
	MsgID uint64
}

// FileReply is the asynchronous reply to MessageFile, correlated by ID.
type FileReply struct {
	ID   uint64
	OK   bool
	File *os.File
}

// SubmitReply is the asynchronous reply to SubmitEnvelope, correlated by ID.
type SubmitReply struct {
	ID uint64
	OK bool
}

// CommitEnvelopesReply is the asynchronous reply to CommitEnvelopes.
type CommitEnvelopesReply struct {
	ID uint64
	OK bool
}

// CommitMessageReply is the asynchronous reply to CommitMessage, carrying
// the externally visible message id used in the 250 reply.
type CommitMessageReply struct {
	ID    uint64
	OK    bool
	MsgID uint64
}

// Queue is the collaborator the session engine submits messages to.
type Queue interface {
	CreateMessage(id uint64, tag string, sender smtpaddr.Mailaddr)
	MessageFile(id uint64, msgID uint64)
	SubmitEnvelope(id uint64, msgID uint64, rcpt smtpaddr.Mailaddr)
	CommitEnvelopes(id uint64, msgID uint64)
	CommitMessage(id uint64, msgID uint64)
	// RemoveMessage is a best-effort rollback; it has no reply.
	RemoveMessage(msgID uint64)
	Close() error
}

// Store holds queue message/envelope metadata in Postgres and message
// bodies under spoolDir.
type Store struct {
	log      mlog.Log
	pool     *pgxpool.Pool
	spoolDir string

	createReplies  chan<- CreateReply
	fileReplies    chan<- FileReply
	submitReplies  chan<- SubmitReply
	commitEnvReplies chan<- CommitEnvelopesReply
	commitMsgReplies chan<- CommitMessageReply

	mu       sync.Mutex
	msgSeq   uint64
	open     map[uint64]*openMessage
}

type openMessage struct {
	tag      string
	sender   smtpaddr.Mailaddr
	rcpts    []smtpaddr.Mailaddr
	path     string
}

// Replies bundles the reply channels a Store sends on; the session engine
// owns and selects on all of them.
type Replies struct {
	Create         chan<- CreateReply
	File           chan<- FileReply
	Submit         chan<- SubmitReply
	CommitEnvelope chan<- CommitEnvelopesReply
	CommitMessage  chan<- CommitMessageReply
}

// NewStore connects to postgresURL (if empty, metadata is kept in-memory
// only, for local/testing use) and ensures spoolDir exists.
func NewStore(ctx context.Context, log mlog.Log, postgresURL, spoolDir string, r Replies) (*Store, error) {
	if err := os.MkdirAll(spoolDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "creating spool directory")
	}
	s := &Store{
		log:              log,
		spoolDir:         spoolDir,
		createReplies:    r.Create,
		fileReplies:      r.File,
		submitReplies:    r.Submit,
		commitEnvReplies: r.CommitEnvelope,
		commitMsgReplies: r.CommitMessage,
		open:             map[uint64]*openMessage{},
	}
	if postgresURL != "" {
		pool, err := pgxpool.Connect(ctx, postgresURL)
		if err != nil {
			return nil, errors.Wrap(err, "connecting to queue database")
		}
		if err := s.migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		s.pool = pool
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context, pool *pgxpool.Pool) error {
	const ddl = `
create table if not exists queue_messages (
	id bigint primary key,
	tag text not null,
	sender_user text not null,
	sender_domain text not null,
	committed boolean not null default false,
	created_at timestamptz not null default now()
);
create table if not exists queue_envelopes (
	message_id bigint not null references queue_messages(id) on delete cascade,
	rcpt_user text not null,
	rcpt_domain text not null
);
`
	_, err := pool.Exec(ctx, ddl)
	return errors.Wrap(err, "migrating queue schema")
}

func (s *Store) nextMsgID() uint64 {
	return atomic.AddUint64(&s.msgSeq, 1)
}

// CreateMessage allocates a new message id for the transaction and records
// the sender, mirroring IMSG_QUEUE_CREATE_MESSAGE.
func (s *Store) CreateMessage(id uint64, tag string, sender smtpaddr.Mailaddr) {
	go func() {
		msgID := s.nextMsgID()
		if s.pool != nil {
			ctx := context.Background()
			_, err := s.pool.Exec(ctx,
				`insert into queue_messages (id, tag, sender_user, sender_domain) values ($1, $2, $3, $4)`,
				msgID, tag, sender.User, sender.Domain)
			if err != nil {
				s.log.Errorx("creating queue message", err)
				s.createReplies <- CreateReply{ID: id, OK: false}
				return
			}
		}
		s.mu.Lock()
		s.open[msgID] = &openMessage{tag: tag, sender: sender}
		s.mu.Unlock()
		s.createReplies <- CreateReply{ID: id, OK: true, MsgID: msgID}
	}()
}

// MessageFile opens the spool file for writing, mirroring
// IMSG_QUEUE_MESSAGE_FILE.
func (s *Store) MessageFile(id uint64, msgID uint64) {
	go func() {
		s.mu.Lock()
		om, ok := s.open[msgID]
		s.mu.Unlock()
		if !ok {
			s.fileReplies <- FileReply{ID: id, OK: false}
			return
		}
		name := fmt.Sprintf("%d.%s", msgID, uuid.New().String())
		path := filepath.Join(s.spoolDir, name)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			s.log.Errorx("opening spool file", err)
			s.fileReplies <- FileReply{ID: id, OK: false}
			return
		}
		s.mu.Lock()
		om.path = path
		s.mu.Unlock()
		s.fileReplies <- FileReply{ID: id, OK: true, File: f}
	}()
}

// SubmitEnvelope records one recipient for msgID, mirroring
// IMSG_QUEUE_SUBMIT_ENVELOPE.
func (s *Store) SubmitEnvelope(id uint64, msgID uint64, rcpt smtpaddr.Mailaddr) {
	go func() {
		if s.pool != nil {
			ctx := context.Background()
			_, err := s.pool.Exec(ctx,
				`insert into queue_envelopes (message_id, rcpt_user, rcpt_domain) values ($1, $2, $3)`,
				msgID, rcpt.User, rcpt.Domain)
			if err != nil {
				s.log.Errorx("submitting envelope", err)
				s.submitReplies <- SubmitReply{ID: id, OK: false}
				return
			}
		}
		s.mu.Lock()
		if om, ok := s.open[msgID]; ok {
			om.rcpts = append(om.rcpts, rcpt)
		}
		s.mu.Unlock()
		s.submitReplies <- SubmitReply{ID: id, OK: true}
	}()
}

// CommitEnvelopes finalizes the recipient set for msgID, mirroring
// IMSG_QUEUE_COMMIT_ENVELOPES.
func (s *Store) CommitEnvelopes(id uint64, msgID uint64) {
	go func() {
		s.mu.Lock()
		_, ok := s.open[msgID]
		s.mu.Unlock()
		s.commitEnvReplies <- CommitEnvelopesReply{ID: id, OK: ok}
	}()
}

// CommitMessage finalizes the message body and makes it visible to
// downstream delivery, mirroring IMSG_QUEUE_COMMIT_MESSAGE.
func (s *Store) CommitMessage(id uint64, msgID uint64) {
	go func() {
		if s.pool != nil {
			ctx := context.Background()
			_, err := s.pool.Exec(ctx, `update queue_messages set committed = true where id = $1`, msgID)
			if err != nil {
				s.log.Errorx("committing message", err)
				s.commitMsgReplies <- CommitMessageReply{ID: id, OK: false}
				return
			}
		}
		s.mu.Lock()
		delete(s.open, msgID)
		s.mu.Unlock()
		s.commitMsgReplies <- CommitMessageReply{ID: id, OK: true, MsgID: msgID}
	}()
}

// RemoveMessage is the best-effort rollback used when a session is torn
// down with an open message id, mirroring IMSG_QUEUE_REMOVE_MESSAGE. It has
// no reply; failures are logged only.
func (s *Store) RemoveMessage(msgID uint64) {
	go func() {
		s.mu.Lock()
		om, ok := s.open[msgID]
		delete(s.open, msgID)
		s.mu.Unlock()
		if !ok {
			return
		}
		if om.path != "" {
			if err := os.Remove(om.path); err != nil && !os.IsNotExist(err) {
				s.log.Errorx("removing spool file", err)
			}
		}
		if s.pool != nil {
			ctx := context.Background()
			if _, err := s.pool.Exec(ctx, `delete from queue_messages where id = $1`, msgID); err != nil {
				s.log.Errorx("removing queue message", err)
			}
		}
	}()
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
