// Package server wires storage, the hub and identity into the websocket endpoint, the
// HTTP surface of the collaborating services and the operator console.
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gliderlabs/ssh"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zond/tilehub"
	"github.com/zond/tilehub/chunk"
	"github.com/zond/tilehub/history"
	"github.com/zond/tilehub/hub"
	"github.com/zond/tilehub/identity"
	"github.com/zond/tilehub/pemfile"
	"github.com/zond/tilehub/storage"

	goccy "github.com/goccy/go-json"
	gossh "golang.org/x/crypto/ssh"
)

type Config struct {
	HTTPAddr string
	// SSHAddr is where the operator console listens. Empty disables the console.
	SSHAddr   string
	Dir       string
	JWTSecret string
	// AuthURL is the base URL of the auth service, which serves the player directory.
	AuthURL string
	// RedisAddr enables publishing presence to Redis.
	RedisAddr string
	// CommandRate is the sustained number of commands per second one connection may send.
	CommandRate  float64
	CommandBurst int
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		HTTPAddr:     "127.0.0.1:8000",
		SSHAddr:      "127.0.0.1:15000",
		Dir:          filepath.Join(os.Getenv("HOME"), ".tilehub"),
		JWTSecret:    "CHANGE_ME_123456789",
		CommandRate:  30,
		CommandBurst: 60,
		WriteTimeout: 10 * time.Second,
	}
}

type Server struct {
	config    Config
	storage   *storage.Storage
	history   *history.Log
	hub       *hub.Hub
	verifier  identity.Verifier
	directory identity.Directory
	presence  *presence
	router    *mux.Router

	mu         sync.Mutex
	httpServer *http.Server
	sshServer  *ssh.Server
	conns      map[*wsConn]struct{}
	// handlers counts tracked websocket handlers, which outlive httpServer.Close.
	handlers sync.WaitGroup
	closed   bool
}

// New opens the world under config.Dir and repairs it: no player bit survives a restart,
// since no connection survives one.
func New(ctx context.Context, config Config) (*Server, error) {
	if err := os.MkdirAll(config.Dir, 0700); err != nil {
		return nil, tilehub.WithStack(err)
	}
	store, err := storage.New(ctx, config.Dir)
	if err != nil {
		return nil, err
	}
	if err := store.Chunks.ClearAllPlayerBits(ctx); err != nil {
		store.Close()
		return nil, err
	}
	s := &Server{
		config:   config,
		storage:  store,
		history:  history.New(store.History),
		verifier: identity.NewHS256Verifier(config.JWTSecret),
		conns:    map[*wsConn]struct{}{},
	}
	if config.AuthURL != "" {
		s.directory = &identity.HTTPDirectory{
			BaseURL: config.AuthURL,
			Client:  &http.Client{Timeout: 10 * time.Second},
		}
	}
	if config.RedisAddr != "" {
		if s.presence, err = newPresence(ctx, config.RedisAddr); err != nil {
			store.Close()
			return nil, err
		}
	}
	if s.hub, err = hub.New(ctx, hub.Options{
		Chunks:  store.Chunks,
		Notes:   store.Notes,
		History: s.history,
		Audit:   store.Audit(),
	}); err != nil {
		s.presence.Close()
		store.Close()
		return nil, err
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Hub() *hub.Hub {
	return s.hub
}

func (s *Server) Storage() *storage.Storage {
	return s.storage
}

func (s *Server) History() *history.Log {
	return s.history
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/players", s.handlePlayers).Methods(http.MethodGet)
	r.HandleFunc("/history/dm", s.handleDM).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := goccy.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writing response: %v", err)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "w": chunk.W, "h": chunk.H})
}

type presentPlayer struct {
	identity.Player
	IsConnected bool `json:"is_connected"`
}

func (s *Server) handlePlayers(w http.ResponseWriter, r *http.Request) {
	if s.directory == nil {
		http.Error(w, "no player directory configured", http.StatusServiceUnavailable)
		return
	}
	players, err := s.directory.Players(r.Context())
	if err != nil {
		log.Printf("listing players: %v", err)
		http.Error(w, "player directory unavailable", http.StatusBadGateway)
		return
	}
	result := make([]presentPlayer, 0, len(players))
	for _, p := range players {
		result = append(result, presentPlayer{Player: p, IsConnected: s.hub.IsPlayerConnected(p.ID)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"players": result})
}

type dmRequest struct {
	PlayerID string `json:"player_id"`
	ChunkID  string `json:"chunk_id"`
}

// handleDM records that a player sent a direct message while in a chunk.
func (s *Server) handleDM(w http.ResponseWriter, r *http.Request) {
	subject, err := s.verifier.Verify(identity.FromRequest(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	req := dmRequest{}
	if err := goccy.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if req.PlayerID != subject {
		http.Error(w, "token does not belong to player", http.StatusForbidden)
		return
	}
	id := chunk.ID(req.ChunkID)
	if _, _, err := chunk.Parse(id); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.history.Append(r.Context(), req.PlayerID, id, history.DirectMessage, time.Now()); err != nil {
		log.Printf("recording dm for %q: %v\n%s", req.PlayerID, err, tilehub.StackTrace(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) Start(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		return tilehub.WithStack(err)
	}
	var sshLn net.Listener
	if s.config.SSHAddr != "" {
		if sshLn, err = net.Listen("tcp", s.config.SSHAddr); err != nil {
			httpLn.Close()
			return tilehub.WithStack(err)
		}
	}
	return s.StartWithListeners(ctx, httpLn, sshLn)
}

// StartWithListeners serves until one of the listeners fails or Close is called. A nil sshLn
// runs without the console.
func (s *Server) StartWithListeners(ctx context.Context, httpLn, sshLn net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return tilehub.WithStack(http.ErrServerClosed)
	}
	s.httpServer = &http.Server{
		Handler:     s.router,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	if sshLn != nil {
		srv, err := s.consoleServer()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.sshServer = srv
	}
	httpServer, sshServer := s.httpServer, s.sshServer
	s.mu.Unlock()

	errs := make(chan error, 2)
	go func() {
		log.Printf("serving HTTP on %q", httpLn.Addr())
		errs <- httpServer.Serve(httpLn)
	}()
	if sshServer != nil {
		go func() {
			errs <- sshServer.Serve(sshLn)
		}()
	}
	err := <-errs
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, ssh.ErrServerClosed) {
		return nil
	}
	return tilehub.WithStack(err)
}

func (s *Server) consoleServer() (*ssh.Server, error) {
	pemBytes, created, err := pemfile.KeyParams{
		KeyPath:       filepath.Join(s.config.Dir, "console.pem"),
		SSHPubKeyPath: filepath.Join(s.config.Dir, "console.pub"),
	}.Ensure()
	if err != nil {
		return nil, err
	}
	signer, err := gossh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, tilehub.WithStack(err)
	}
	if created {
		log.Printf("generated console key pair in %q", s.config.Dir)
	}
	c := &console{
		hub:            s.hub,
		history:        s.history,
		notes:          s.storage.Notes,
		authorizedPath: filepath.Join(s.config.Dir, "authorized_keys"),
	}
	srv := &ssh.Server{
		Handler:          c.handleSession,
		PublicKeyHandler: c.authorize,
	}
	srv.AddHostKey(signer)
	log.Printf("console host key %q", gossh.FingerprintSHA256(signer.PublicKey()))
	return srv, nil
}

// Close stops serving, takes every remaining avatar out of the world and closes storage.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	httpServer, sshServer := s.httpServer, s.sshServer
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	errs := tilehub.Errs{}
	for _, c := range conns {
		c.ws.Close()
	}
	if httpServer != nil {
		if err := httpServer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if sshServer != nil {
		if err := sshServer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.hub.DisconnectAll(context.Background()); err != nil {
		errs = append(errs, err)
	}
	s.handlers.Wait()
	s.presence.Close()
	if err := s.storage.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
