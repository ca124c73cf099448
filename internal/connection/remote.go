package connection

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/wmlink/internal/observability"
	"github.com/danmuck/wmlink/internal/protocol/frame"
	"github.com/danmuck/wmlink/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired = errors.New("connection: kernel address required")
	ErrAgentRequired   = errors.New("connection: agent required")
	ErrSessionClosed   = errors.New("connection: session closed")
	ErrRequestTimeout  = errors.New("connection: request timeout")
)

const sessionClosedMessage = "session closed"

type ClientConfig struct {
	Address            string
	Agent              string
	Token              string
	ClientID           string
	Session            session.Config
	MaxConnectAttempts int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Session: session.DefaultConfig(),
	}
}

// Client dials kernel sessions.
type Client struct {
	cfg ClientConfig
	rng *rand.Rand
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if strings.TrimSpace(cfg.Agent) == "" {
		return nil, ErrAgentRequired
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		cfg.ClientID = uuid.NewString()
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Client{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Connect dials the kernel, performs the attach handshake, and returns a
// live session. A rejected attach is not retried.
func (c *Client) Connect(ctx context.Context) (*Remote, error) {
	var attempt int
	for {
		attempt++
		conn, err := c.dial(ctx)
		if err != nil {
			log.Warn().Err(err).Msgf("connection.Client dial attempt=%d addr=%q", attempt, c.cfg.Address)
			if !c.shouldRetry(attempt) {
				return nil, err
			}
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}

		remote, err := c.attach(conn)
		if err == nil {
			return remote, nil
		}
		_ = conn.Close()
		if errors.Is(err, session.ErrAttachRejected) || !c.shouldRetry(attempt) {
			return nil, err
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	if err := c.cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: c.cfg.Session.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, err
	}
	if !c.cfg.Session.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := c.clientTLSConfig()
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) clientTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.cfg.Session.TLS.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(c.cfg.Session.TLS.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(c.cfg.Address)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(c.cfg.Session.TLS.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("connection: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}

	if c.cfg.Session.TLS.Mutual {
		cert, err := tls.LoadX509KeyPair(c.cfg.Session.TLS.CertFile, c.cfg.Session.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	delay := session.NextBackoffDelay(c.cfg.Session.Backoff, attempt, c.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) attach(conn net.Conn) (*Remote, error) {
	_ = conn.SetDeadline(time.Now().Add(c.cfg.Session.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	err := session.WriteAttach(conn, session.Attach{
		ClientID: c.cfg.ClientID,
		Agent:    c.cfg.Agent,
		Token:    c.cfg.Token,
	})
	if err != nil {
		return nil, err
	}
	ack, err := session.ReadAttachAck(reader)
	if err != nil {
		return nil, err
	}
	if err := ack.Err(); err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	r := &Remote{
		conn:      conn,
		reader:    reader,
		cfg:       c.cfg.Session,
		agent:     c.cfg.Agent,
		sessionID: ack.SessionID,
		outbox:    session.NewOutbox(),
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	r.nextMessageID.Store(uint64(time.Now().UnixNano()))
	go r.readLoop()
	log.Info().Msgf("connection.Client attached agent=%s session=%s", r.agent, r.sessionID)
	return r, nil
}

// Remote is one attached kernel session. SendAgentCommand may be called
// from any goroutine; output pushes are queued until NextOutput takes them.
type Remote struct {
	conn          net.Conn
	reader        *bufio.Reader
	cfg           session.Config
	agent         string
	sessionID     string
	outbox        *session.Outbox
	nextMessageID atomic.Uint64
	writeMu       sync.Mutex

	mu      sync.Mutex
	pending []session.OutputNotice
	signal  chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func (r *Remote) Agent() string     { return r.agent }
func (r *Remote) SessionID() string { return r.sessionID }
func (r *Remote) IsDirect() bool    { return false }

func (r *Remote) Outbox() []session.PendingRequest {
	return r.outbox.List()
}

// SendAgentCommand writes req and waits for the matching response, the
// read timeout, or ctx.
func (r *Remote) SendAgentCommand(ctx context.Context, req session.Request) (session.Response, error) {
	if req.Agent == "" {
		req.Agent = r.agent
	}
	if err := req.Validate(); err != nil {
		return session.Response{}, err
	}
	select {
	case <-r.done:
		return session.Response{}, r.closedErr()
	default:
	}

	start := time.Now()
	id := r.nextMessageID.Add(1)
	payload, err := session.EncodeRequestFrame(id, req)
	if err != nil {
		return session.Response{}, err
	}
	reply := r.outbox.Track(session.PendingRequest{
		MessageID: id,
		Command:   req.Command,
		Agent:     req.Agent,
		SentAt:    start,
		Deadline:  start.Add(r.cfg.ReadTimeout),
	})
	if err := r.write(ctx, payload); err != nil {
		r.outbox.Remove(id)
		return session.Response{}, err
	}

	timer := time.NewTimer(r.cfg.ReadTimeout)
	defer timer.Stop()
	select {
	case resp := <-reply:
		if resp.Status != session.StatusOK && resp.Message == sessionClosedMessage {
			return session.Response{}, r.closedErr()
		}
		observability.RecordSessionRequest(req.Command, resp.Status, time.Since(start))
		return resp, nil
	case <-ctx.Done():
		r.outbox.Remove(id)
		return session.Response{}, ctx.Err()
	case <-timer.C:
		r.outbox.Remove(id)
		observability.RecordSessionRequest(req.Command, "timeout", time.Since(start))
		return session.Response{}, fmt.Errorf("%w: command=%s", ErrRequestTimeout, req.Command)
	}
}

func (r *Remote) write(ctx context.Context, payload []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	deadline := time.Now().Add(r.cfg.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := r.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := r.conn.Write(payload)
	return err
}

func (r *Remote) readLoop() {
	for {
		fr, err := frame.ReadFrame(r.reader, frame.DefaultLimits())
		if err != nil {
			r.shutdown(err)
			return
		}
		if fr.Header.Flags&frame.FlagIsPush != 0 {
			notice, err := session.DecodeOutputFrame(fr)
			if err != nil {
				log.Warn().Err(err).Msgf("connection.Remote drop output frame agent=%s", r.agent)
				continue
			}
			if notice.Agent != r.agent {
				log.Warn().Msgf("connection.Remote drop output for agent=%s attached=%s", notice.Agent, r.agent)
				continue
			}
			r.enqueue(notice)
			continue
		}
		resp, err := session.DecodeResponseFrame(fr)
		if err != nil {
			log.Warn().Err(err).Msgf("connection.Remote drop response message_id=%d", fr.Header.MessageID)
			continue
		}
		if !r.outbox.Resolve(fr.Header.MessageID, resp) {
			log.Debug().Msgf("connection.Remote late response message_id=%d", fr.Header.MessageID)
		}
	}
}

func (r *Remote) enqueue(notice session.OutputNotice) {
	r.mu.Lock()
	r.pending = append(r.pending, notice)
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// NextOutput returns the oldest queued output notice, waiting for one if
// none is queued. Queued notices are still delivered after the session ends.
func (r *Remote) NextOutput(ctx context.Context) (session.OutputNotice, error) {
	for {
		r.mu.Lock()
		if len(r.pending) > 0 {
			notice := r.pending[0]
			r.pending = r.pending[1:]
			r.mu.Unlock()
			return notice, nil
		}
		r.mu.Unlock()

		select {
		case <-r.signal:
		case <-r.done:
			r.mu.Lock()
			empty := len(r.pending) == 0
			r.mu.Unlock()
			if empty {
				return session.OutputNotice{}, r.closedErr()
			}
		case <-ctx.Done():
			return session.OutputNotice{}, ctx.Err()
		}
	}
}

func (r *Remote) shutdown(cause error) {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.err = cause
		r.mu.Unlock()
		_ = r.conn.Close()
		n := r.outbox.Fail(sessionClosedMessage)
		close(r.done)
		if cause != nil && !errors.Is(cause, net.ErrClosed) {
			log.Warn().Err(cause).Msgf("connection.Remote closed agent=%s failed_requests=%d", r.agent, n)
		}
	})
}

func (r *Remote) closedErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil || errors.Is(r.err, net.ErrClosed) {
		return ErrSessionClosed
	}
	return fmt.Errorf("%w: %v", ErrSessionClosed, r.err)
}

// Done is closed once the session has ended.
func (r *Remote) Done() <-chan struct{} { return r.done }

func (r *Remote) Close() error {
	r.shutdown(net.ErrClosed)
	return nil
}
