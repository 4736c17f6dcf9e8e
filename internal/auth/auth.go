// Package auth implements the credential checker collaborator: given a
// (user, password) pair and a request id, it validates the credentials
// and reports success asynchronously, correlated by id.
//
// Credentials are bcrypt hashes stored in an embedded
// github.com/dgraph-io/badger/v2 database, keyed by lowercased username.
package auth

import (
	"github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/mailcore/smtpd/internal/mlog"
)

// ErrUnknownCredentials is the Reply.Err delivered when a user does not
// exist or the password does not match.
var ErrUnknownCredentials = errors.New("credentials not found")

// Reply is the asynchronous reply to an Authenticate request, correlated by ID.
type Reply struct {
	ID  uint64
	OK  bool
	Err error
}

// Checker validates credentials.
type Checker interface {
	// Authenticate checks user/pass and delivers the result on the reply
	// channel given to the constructor. Never blocks the caller.
	Authenticate(id uint64, user, pass string)
	Close() error
}

// BadgerChecker stores bcrypt password hashes in an embedded badger
// database, keyed by lowercased username.
type BadgerChecker struct {
	log     mlog.Log
	db      *badger.DB
	replies chan<- Reply
}

// NewBadgerChecker opens (or creates) a badger database at dir. If dir is
// empty, an in-memory database is used, suitable for tests.
func NewBadgerChecker(log mlog.Log, dir string, replies chan<- Reply) (*BadgerChecker, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "opening credential store")
	}
	return &BadgerChecker{log: log, db: db, replies: replies}, nil
}

// SetPassword stores a bcrypt hash of password for user, replacing any
// existing credentials.
func (c *BadgerChecker) SetPassword(user, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return errors.Wrap(err, "hashing password")
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(normalize(user)), hash)
	})
}

func normalize(user string) string {
	b := []byte(user)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Authenticate looks up user and compares password against its stored
// bcrypt hash. The bcrypt compare runs on its own goroutine so a
// deliberately slow client can't stall the resolver/queue workers or the
// engine.
func (c *BadgerChecker) Authenticate(id uint64, user, pass string) {
	go func() {
		var hash []byte
		err := c.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(normalize(user)))
			if err != nil {
				return err
			}
			return item.Value(func(v []byte) error {
				hash = append([]byte(nil), v...)
				return nil
			})
		})
		if errors.Is(err, badger.ErrKeyNotFound) {
			c.replies <- Reply{ID: id, OK: false, Err: ErrUnknownCredentials}
			return
		}
		if err != nil {
			c.replies <- Reply{ID: id, OK: false, Err: errors.Wrap(err, "looking up credentials")}
			return
		}
		if err := bcrypt.CompareHashAndPassword(hash, []byte(pass)); err != nil {
			c.replies <- Reply{ID: id, OK: false, Err: ErrUnknownCredentials}
			return
		}
		c.replies <- Reply{ID: id, OK: true}
	}()
}

func (c *BadgerChecker) Close() error {
	return c.db.Close()
}
