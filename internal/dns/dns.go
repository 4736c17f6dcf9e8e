// Package dns implements the PTR resolver collaborator: given a socket
// peer address and a request id, it eventually yields either a hostname or
// an error, delivered asynchronously on a reply channel owned by the
// caller (the session engine).
//
// Resolution runs on a bounded worker pool so a slow or hostile PTR chain
// never blocks the engine's single event-loop goroutine. Lookups go out
// over github.com/miekg/dns, fronted by a github.com/dgraph-io/ristretto
// cache of recent answers.
package dns

import (
	"net"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/miekg/dns"
	"github.com/pkg/errors"

	"github.com/mailcore/smtpd/internal/mlog"
)

// PtrReply is the asynchronous reply to a Ptr request, correlated by ID.
type PtrReply struct {
	ID   uint64
	Host string
	Err  error
}

// Resolver resolves reverse-DNS (PTR) names for connecting peers.
type Resolver interface {
	// Ptr requests resolution of peer's hostname. The result is delivered on
	// the reply channel given to the constructor. Never blocks.
	Ptr(id uint64, peer net.IP)
	Close() error
}

const cacheTTL = 10 * time.Minute

// LiveResolver resolves PTR records against real upstream nameservers using
// miekg/dns, with a ristretto front cache.
type LiveResolver struct {
	log       mlog.Log
	client    *dns.Client
	servers   []string
	replies   chan<- PtrReply
	cache     *ristretto.Cache
	work      chan job
	done      chan struct{}
}

type job struct {
	id   uint64
	peer net.IP
}

// NewLiveResolver returns a Resolver that queries the given upstream
// nameservers (host:port). If servers is empty, /etc/resolv.conf's
// nameservers are used. Replies are sent to replies; workers bounds the
// number of concurrent lookups.
func NewLiveResolver(log mlog.Log, servers []string, workers int, replies chan<- PtrReply) (*LiveResolver, error) {
	if workers <= 0 {
		workers = 8
	}
	if len(servers) == 0 {
		cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, errors.Wrap(err, "reading resolv.conf")
		}
		for _, s := range cfg.Servers {
			servers = append(servers, net.JoinHostPort(s, cfg.Port))
		}
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating ptr cache")
	}
	r := &LiveResolver{
		log:     log,
		client:  &dns.Client{Timeout: 5 * time.Second},
		servers: servers,
		replies: replies,
		cache:   cache,
		work:    make(chan job, 256),
		done:    make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go r.worker()
	}
	return r, nil
}

func (r *LiveResolver) worker() {
	for {
		select {
		case j := <-r.work:
			r.resolve(j)
		case <-r.done:
			return
		}
	}
}

func (r *LiveResolver) resolve(j job) {
	if v, ok := r.cache.Get(j.peer.String()); ok {
		r.replies <- PtrReply{ID: j.id, Host: v.(string)}
		return
	}

	host, err := r.lookup(j.peer)
	if err != nil {
		r.replies <- PtrReply{ID: j.id, Err: err}
		return
	}
	r.cache.SetWithTTL(j.peer.String(), host, 1, cacheTTL)
	r.replies <- PtrReply{ID: j.id, Host: host}
}

func (r *LiveResolver) lookup(ip net.IP) (string, error) {
	arpa, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return "", errors.Wrap(err, "building reverse address")
	}
	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)

	var lastErr error
	for _, server := range r.servers {
		in, _, err := r.client.Exchange(msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range in.Answer {
			if ptr, ok := rr.(*dns.PTR); ok {
				return strings.TrimSuffix(ptr.Ptr, "."), nil
			}
		}
		return "", errors.New("no PTR record")
	}
	if lastErr == nil {
		lastErr = errors.New("no nameservers configured")
	}
	return "", lastErr
}

func (r *LiveResolver) Ptr(id uint64, peer net.IP) {
	select {
	case r.work <- job{id: id, peer: peer}:
	default:
		// Worker pool saturated; reply with a transient error rather than
		// blocking the caller (the engine's event loop).
		r.replies <- PtrReply{ID: id, Err: errors.New("resolver busy")}
	}
}

func (r *LiveResolver) Close() error {
	close(r.done)
	r.cache.Close()
	return nil
}

// StaticResolver is a fixed-answer Resolver for tests and Localserve-style
// setups.
type StaticResolver struct {
	Hosts   map[string]string // peer.String() -> hostname
	replies chan<- PtrReply
}

func NewStaticResolver(replies chan<- PtrReply) *StaticResolver {
	return &StaticResolver{Hosts: map[string]string{}, replies: replies}
}

func (r *StaticResolver) Ptr(id uint64, peer net.IP) {
	host, ok := r.Hosts[peer.String()]
	if !ok {
		r.replies <- PtrReply{ID: id, Err: errors.New("no ptr record")}
		return
	}
	r.replies <- PtrReply{ID: id, Host: host}
}

func (r *StaticResolver) Close() error { return nil }
