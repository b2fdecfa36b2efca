package pool

import (
	"container/list"
	"crypto/tls"
	"crypto/x509"
	"sync"

	"github.com/rs/zerolog"

	"github.com/longbai/hlsrec/metrics"
)

// maxConnections caps the number of connections per origin; requests beyond
// it queue in FIFO order.
const maxConnections = 4

// OnReceive delivers a buffered response. Exactly one of OnReceive/OnError
// fires per request, exactly once.
type OnReceive func(*Response)

// OnError signals that the request failed after any retry.
type OnError func()

type request struct {
	scheme    string
	host      string // normalized host:port
	resource  string
	onReceive OnReceive
	onError   OnError
	retry     int
}

type hostState struct {
	idle    []*Conn // reused LIFO
	live    int     // connections in existence, idle + busy
	waiters *list.List
}

// Pool multiplexes keep-alive connections per origin. A request served on a
// reused idle connection gets one extra attempt, masking stale keep-alive
// sockets; a fresh dial surfaces its error directly.
type Pool struct {
	mu        sync.Mutex
	hosts     map[string]*hostState
	seq       uint64
	userAgent string
	tlsConfig *tls.Config
	wg        *sync.WaitGroup
	log       zerolog.Logger
	met       *metrics.Metrics
}

// New creates a pool. Every request issued through the pool is tracked on
// wg from submission until its callback chain completes, so callers can
// drain. userAgent overrides the default request header when non-empty.
func New(wg *sync.WaitGroup, userAgent string, log zerolog.Logger, met *metrics.Metrics) *Pool {
	log = log.With().Str("component", "pool").Logger()

	roots, err := x509.SystemCertPool()
	if err != nil {
		log.Error().Err(err).Msg("unable to load the default TLS verification roots")
		roots = nil
	}

	return &Pool{
		hosts:     make(map[string]*hostState),
		userAgent: userAgent,
		tlsConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    roots,
		},
		wg:  wg,
		log: log,
		met: met,
	}
}

// Get issues a GET for resource on the given origin. retry is the number of
// extra attempts allowed beyond the implicit one granted when an idle
// connection is reused.
func (p *Pool) Get(scheme, host, resource string, onReceive OnReceive, onError OnError, retry int) {
	p.wg.Add(1)
	p.submit(&request{
		scheme:    scheme,
		host:      NormalizeHostPort(scheme, host),
		resource:  resource,
		onReceive: onReceive,
		onError:   onError,
		retry:     retry,
	})
}

// GetURL parses rawurl and issues the request. It returns false without
// invoking either callback when the URL is invalid.
func (p *Pool) GetURL(rawurl string, onReceive OnReceive, onError OnError, retry int) bool {
	scheme, host, resource, ok := ParseURL(rawurl)
	if !ok {
		p.log.Error().Str("url", rawurl).Msg("invalid URL")
		return false
	}
	p.Get(scheme, host, resource, onReceive, onError, retry)
	return true
}

// LiveConns returns the number of connections in existence across hosts.
func (p *Pool) LiveConns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, hs := range p.hosts {
		n += hs.live
	}
	return n
}

// Waiting returns the number of requests queued behind the per-host cap.
func (p *Pool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, hs := range p.hosts {
		n += hs.waiters.Len()
	}
	return n
}

func (p *Pool) hostStateLocked(host string) *hostState {
	hs := p.hosts[host]
	if hs == nil {
		hs = &hostState{waiters: list.New()}
		p.hosts[host] = hs
	}
	return hs
}

// submit either serves r on a connection or parks it in the wait queue.
// The tracked wg slot is released by serve once the callbacks have run.
func (p *Pool) submit(r *request) {
	p.mu.Lock()
	hs := p.hostStateLocked(r.host)

	var c *Conn
	if n := len(hs.idle); n > 0 {
		c = hs.idle[n-1]
		hs.idle = hs.idle[:n-1]
		// The reused socket may be dead; grant one masked attempt.
		r.retry++
	} else if hs.live < maxConnections {
		c = newConn(p.seq, r.scheme, r.host, p.userAgent, p.tlsConfig, p.log)
		p.seq++
		hs.live++
	} else {
		hs.waiters.PushBack(r)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	go p.serve(c, r)
}

func (p *Pool) serve(c *Conn, r *request) {
	resp, err := c.Get(r.resource)
	if err != nil {
		p.mu.Lock()
		p.hostStateLocked(r.host).live--
		p.mu.Unlock()

		if r.retry > 0 {
			r.retry--
			p.submit(r)
		} else {
			p.log.Error().Str("url", FormatURL(r.scheme, r.host, r.resource)).Msg("failed to get")
			p.met.IncRequestErrors()
			r.onError()
			p.wg.Done()
		}
		p.dispatchNext(r.host)
		return
	}

	r.onReceive(resp)

	p.mu.Lock()
	hs := p.hostStateLocked(r.host)
	hs.idle = append(hs.idle, c)
	p.mu.Unlock()

	p.wg.Done()
	p.dispatchNext(r.host)
}

// dispatchNext hands the head of the host's wait queue to submit. Called
// after a connection has been parked or discarded, so the waiter can reuse
// the freed capacity.
func (p *Pool) dispatchNext(host string) {
	p.mu.Lock()
	hs := p.hostStateLocked(host)
	front := hs.waiters.Front()
	if front == nil {
		p.mu.Unlock()
		return
	}
	hs.waiters.Remove(front)
	p.mu.Unlock()

	p.submit(front.Value.(*request))
}
