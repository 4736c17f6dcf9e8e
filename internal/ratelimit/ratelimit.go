// Package ratelimit implements the accept-time connection-rate gate: a
// fixed time window of counters per remote IP and per /26 (IPv4) or /64
// (IPv6) subnet, so one abusive host can't be worked around by rotating
// through a handful of addresses in the same block.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

type key struct {
	class uint8
	ip    [16]byte
}

// Window is one fixed time window with per-class limits.
type Window struct {
	Period time.Duration
	Limits [3]int64 // host, /26 or /64, /21 or /48.

	tick   uint32
	counts map[key]int64
}

// Limiter gates connection acceptance by remote IP.
type Limiter struct {
	mu      sync.Mutex
	windows []Window
}

// NewLimiter returns a Limiter with one window: at most perHostPerPeriod
// connections per single address, 4x that per /26 or /64, 16x that per
// /21 or /48, within period.
func NewLimiter(period time.Duration, perHostPerPeriod int64) *Limiter {
	return &Limiter{
		windows: []Window{{
			Period: period,
			Limits: [3]int64{perHostPerPeriod, perHostPerPeriod * 4, perHostPerPeriod * 16},
		}},
	}
}

// Allow reports whether one more connection from ip is permitted at tm,
// and if so records it. It never blocks.
func (l *Limiter) Allow(ip net.IP, tm time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	var masked [3][16]byte
	for c := 0; c < 3; c++ {
		masked[c] = maskIP(c, ip)
	}

	for i := range l.windows {
		w := &l.windows[i]
		tick := uint32(tm.UnixNano() / int64(w.Period))
		if tick != w.tick || w.counts == nil {
			w.tick = tick
			w.counts = map[key]int64{}
		}
		for c := 0; c < 3; c++ {
			if w.counts[key{uint8(c), masked[c]}]+1 > w.Limits[c] {
				return false
			}
		}
	}
	for i := range l.windows {
		w := &l.windows[i]
		for c := 0; c < 3; c++ {
			w.counts[key{uint8(c), masked[c]}]++
		}
	}
	return true
}

func maskIP(class int, ip net.IP) [16]byte {
	v4 := ip.To4()
	var masked net.IP
	if v4 != nil {
		switch class {
		case 0:
			masked = v4
		case 1:
			masked = v4.Mask(net.CIDRMask(26, 32))
		case 2:
			masked = v4.Mask(net.CIDRMask(21, 32))
		}
	} else {
		v6 := ip.To16()
		switch class {
		case 0:
			masked = v6.Mask(net.CIDRMask(64, 128))
		case 1:
			masked = v6.Mask(net.CIDRMask(64, 128))
		case 2:
			masked = v6.Mask(net.CIDRMask(48, 128))
		}
	}
	var out [16]byte
	copy(out[:], masked.To16())
	return out
}
