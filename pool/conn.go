package pool

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// timeout bounds every socket phase: dial, TLS handshake, request
	// write and response read.
	timeout = 30 * time.Second

	defaultUserAgent = "Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:69.0) Gecko/20100101 Firefox/69.0"
)

// Response is a fully buffered HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Conn is a keep-alive HTTP/1.1 client bound to a single origin. It serves
// one GET at a time over one socket. Any I/O error closes the connection
// permanently; the pool discards it and may retry on a fresh one.
type Conn struct {
	scheme    string
	host      string // always host:port
	seq       uint64 // monotonic id, for logging only
	userAgent string
	tlsConfig *tls.Config
	conn      net.Conn
	br        *bufio.Reader
	connected bool
	log       zerolog.Logger
}

func newConn(seq uint64, scheme, host, userAgent string, tlsConfig *tls.Config, log zerolog.Logger) *Conn {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Conn{
		scheme:    scheme,
		host:      host,
		seq:       seq,
		userAgent: userAgent,
		tlsConfig: tlsConfig,
		log:       log,
	}
}

// Host returns the normalized host:port the connection is bound to.
func (c *Conn) Host() string {
	return c.host
}

// Get issues a single GET for resource and returns the buffered response.
// The connection stays usable for a pipelined request on success and is
// closed on any error.
func (c *Conn) Get(resource string) (*Response, error) {
	if !c.connected {
		if err := c.dial(); err != nil {
			c.Close()
			return nil, err
		}
	}

	resp, err := c.roundTrip(resource)
	if err != nil {
		c.Close()
		return nil, err
	}
	return resp, nil
}

// Close shuts the socket down. The connection is never reused afterwards.
func (c *Conn) Close() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.br = nil
	c.connected = false
}

func (c *Conn) dial() error {
	c.log.Trace().Uint64("conn", c.seq).Str("host", c.host).Msg("establishing connection")

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.Dial("tcp", c.host)
	if err != nil {
		c.log.Error().Err(err).Str("host", c.host).Msg("failed to connect")
		return err
	}

	if c.scheme == SchemeHTTPS {
		cfg := c.tlsConfig.Clone()
		// SNI wants the bare hostname, without the port.
		cfg.ServerName = c.host[:strings.IndexByte(c.host, portDelimiter)]

		tc := tls.Client(conn, cfg)
		tc.SetDeadline(time.Now().Add(timeout))
		if err = tc.Handshake(); err != nil {
			tc.Close()
			c.log.Error().Err(err).Str("host", c.host).Msg("failed TLS handshake")
			return err
		}
		tc.SetDeadline(time.Time{})
		conn = tc
	}

	c.conn = conn
	c.br = bufio.NewReader(conn)
	c.connected = true
	return nil
}

func (c *Conn) roundTrip(resource string) (*Response, error) {
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	_, err := io.WriteString(c.conn,
		"GET "+resource+" HTTP/1.1\r\n"+
			"Host: "+c.host+"\r\n"+
			"User-Agent: "+c.userAgent+"\r\n"+
			"\r\n")
	if err != nil {
		return nil, err
	}

	c.conn.SetReadDeadline(time.Now().Add(timeout))
	resp, err := http.ReadResponse(c.br, &http.Request{Method: http.MethodGet})
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}
