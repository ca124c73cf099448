package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/wmlink/internal/auth"
	"github.com/danmuck/wmlink/internal/kernel"
	"github.com/danmuck/wmlink/internal/observability"
	"github.com/danmuck/wmlink/internal/protocol/frame"
	"github.com/danmuck/wmlink/internal/protocol/schema"
	"github.com/danmuck/wmlink/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrNoKernel = errors.New("server: kernel required")

// Config configures the session endpoint and the admin HTTP API.
type Config struct {
	Name        string
	ListenAddr  string
	AdminAddr   string
	CORSOrigins []string
	// IdleTimeout closes sessions that send nothing for this long. Zero
	// keeps idle sessions open.
	IdleTimeout time.Duration
	Validator   auth.Validator
	Session     session.Config
}

func DefaultConfig() Config {
	return Config{
		Name:       "wmkernel",
		ListenAddr: ":9400",
		AdminAddr:  "",
		Validator:  auth.AllowAll{},
		Session:    session.DefaultConfig(),
	}
}

// SessionInfo describes one attached client.
type SessionInfo struct {
	SessionID  string    `json:"session_id"`
	ClientID   string    `json:"client_id"`
	Agent      string    `json:"agent"`
	RemoteAddr string    `json:"remote_addr"`
	AttachedAt time.Time `json:"attached_at"`
	Requests   uint64    `json:"requests"`
}

type sessionState struct {
	info     SessionInfo
	requests atomic.Uint64
}

// Server owns the kernel's TCP session endpoint and admin router.
type Server struct {
	cfg     Config
	kernel  *kernel.Kernel
	router  *gin.Engine
	started time.Time

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	sessionsMu sync.RWMutex
	sessions   map[string]*sessionState

	clientCount atomic.Int64
}

func New(cfg Config, k *kernel.Kernel) (*Server, error) {
	if k == nil {
		return nil, ErrNoKernel
	}
	def := DefaultConfig()
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = def.Name
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.Validator == nil {
		cfg.Validator = def.Validator
	}
	cfg.Session = cfg.Session.WithDefaults()
	s := &Server{
		cfg:      cfg,
		kernel:   k,
		started:  time.Now(),
		conns:    make(map[net.Conn]struct{}),
		sessions: make(map[string]*sessionState),
	}
	s.router = s.newRouter()
	return s, nil
}

// Handler exposes the admin router.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves sessions, plus the admin API when AdminAddr is set, until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	log.Info().Msgf("kernel.Server.Run listening addr=%q", ln.Addr().String())

	adminErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		go func() {
			adminErr <- s.serveAdmin(ctx, addr)
		}()
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()
	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil {
			return err
		}
		return <-serveErr
	}
}

func (s *Server) serveAdmin(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Msgf("kernel.Server admin listening addr=%q", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Listen opens the session listener, TLS when configured.
func (s *Server) Listen() (net.Listener, error) {
	if !s.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	tlsCfg, err := s.serverTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve accepts sessions on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(ctx, conn)
	}
}

// Sessions lists attached clients ordered by attach time.
func (s *Server) Sessions() []SessionInfo {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, st := range s.sessions {
		info := st.info
		info.Requests = st.requests.Load()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AttachedAt.Before(out[j].AttachedAt)
	})
	return out
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.clientCount.Add(1)
	log.Debug().Msgf("kernel.Server client connected remote=%q active_clients=%d", remote, active)
	defer func() {
		remaining := s.clientCount.Add(-1)
		log.Debug().Msgf("kernel.Server client disconnected remote=%q active_clients=%d", remote, remaining)
	}()

	if err := s.authenticateConn(conn); err != nil {
		log.Warn().Err(err).Msgf("kernel.Server transport auth remote=%q", remote)
		return
	}
	reader := bufio.NewReader(conn)
	st, ack := s.handleAttach(conn, reader)
	if err := session.WriteAttachAck(conn, ack); err != nil {
		log.Error().Err(err).Msgf("kernel.Server write attach ack remote=%q", remote)
		return
	}
	if st == nil {
		return
	}
	agent := st.info.Agent
	defer s.dropSession(st.info.SessionID)
	log.Info().Msgf("kernel.Server attached agent=%s session=%s remote=%q", agent, st.info.SessionID, remote)
	_ = conn.SetDeadline(time.Time{})

	notices, cancel, err := s.kernel.Subscribe(agent)
	if err != nil {
		log.Warn().Err(err).Msgf("kernel.Server subscribe agent=%s", agent)
		return
	}
	defer cancel()

	var writeMu sync.Mutex
	write := func(payload []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
		_, err := conn.Write(payload)
		return err
	}

	pushDone := make(chan struct{})
	go func() {
		defer close(pushDone)
		for notice := range notices {
			payload, err := session.EncodeOutputFrame(notice)
			if err != nil {
				log.Warn().Err(err).Msgf("kernel.Server encode output agent=%s", agent)
				continue
			}
			if err := write(payload); err != nil {
				log.Warn().Err(err).Msgf("kernel.Server push output agent=%s", agent)
				_ = conn.Close()
				return
			}
		}
	}()
	defer func() {
		cancel()
		<-pushDone
	}()

	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		fr, err := frame.ReadFrame(reader, frame.DefaultLimits())
		if err != nil {
			return
		}
		if fr.Header.MessageType != schema.MsgAgentCommand {
			log.Warn().Msgf("kernel.Server unexpected message_type=%d agent=%s", fr.Header.MessageType, agent)
			return
		}
		start := time.Now()
		req, err := session.DecodeRequestFrame(fr)
		var resp session.Response
		switch {
		case err != nil:
			resp = session.Failure("decode request: %v", err)
		case req.Agent != agent:
			resp = session.Failure("session is attached to agent %q", agent)
		default:
			resp = s.kernel.Handle(ctx, agent, req)
		}
		st.requests.Add(1)
		observability.RecordSessionRequest(req.Command, resp.Status, time.Since(start))

		payload, err := session.EncodeResponseFrame(fr.Header.MessageID, resp)
		if err != nil {
			log.Warn().Err(err).Msgf("kernel.Server encode response agent=%s", agent)
			return
		}
		if err := write(payload); err != nil {
			log.Warn().Err(err).Msgf("kernel.Server write response agent=%s", agent)
			return
		}
	}
}

// handleAttach reads the attach message. A nil state means the ack rejects.
func (s *Server) handleAttach(conn net.Conn, reader *bufio.Reader) (*sessionState, session.AttachAck) {
	now := time.Now()
	reject := func(format string, args ...any) (*sessionState, session.AttachAck) {
		msg := fmt.Sprintf(format, args...)
		log.Warn().Msgf("kernel.Server attach rejected remote=%q reason=%q", conn.RemoteAddr().String(), msg)
		return nil, session.AttachAck{Status: session.AckStatusRejected, Message: msg, TimestampMS: uint64(now.UnixMilli())}
	}

	_ = conn.SetDeadline(now.Add(s.cfg.Session.HandshakeTimeout))
	attach, err := session.ReadAttach(reader)
	if err != nil {
		return reject("%v", err)
	}
	if err := s.cfg.Validator.Validate(attach.Token); err != nil {
		return reject("%v", err)
	}
	if _, err := s.kernel.InputLink(attach.Agent); err != nil {
		return reject("%v", err)
	}

	st := &sessionState{info: SessionInfo{
		SessionID:  uuid.NewString(),
		ClientID:   attach.ClientID,
		Agent:      attach.Agent,
		RemoteAddr: conn.RemoteAddr().String(),
		AttachedAt: now,
	}}
	s.sessionsMu.Lock()
	s.sessions[st.info.SessionID] = st
	s.sessionsMu.Unlock()
	return st, session.AttachAck{
		Status:      session.AckStatusAccepted,
		Message:     "attached",
		SessionID:   st.info.SessionID,
		Agent:       attach.Agent,
		TimestampMS: uint64(now.UnixMilli()),
	}
}

func (s *Server) dropSession(id string) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, id)
}

func (s *Server) authenticateConn(conn net.Conn) error {
	mode := session.NormalizeSecurityMode(s.cfg.Session.SecurityMode)
	if !s.cfg.Session.TLS.Enabled {
		if mode == session.SecurityModeProduction {
			return session.ErrTLSRequired
		}
		return nil
	}
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return fmt.Errorf("server: expected tls connection")
	}
	_ = tlsConn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	if s.cfg.Session.TLS.Mutual && len(tlsConn.ConnectionState().PeerCertificates) == 0 {
		return session.ErrMTLSRequired
	}
	return nil
}

func (s *Server) serverTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.Session.TLS.CertFile, s.cfg.Session.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}
	mode := session.NormalizeSecurityMode(s.cfg.Session.SecurityMode)
	if s.cfg.Session.TLS.Mutual || mode == session.SecurityModeProduction {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		caPEM, err := os.ReadFile(s.cfg.Session.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("server: parse tls ca bundle: %s", s.cfg.Session.TLS.CAFile)
		}
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
