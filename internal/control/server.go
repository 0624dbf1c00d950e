package control

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/foldlattice/agent/internal/errs"
	"github.com/foldlattice/agent/internal/logger"
)

// allowedOrigin is the only browser origin the control surface
// accepts connections from (spec.md section 6's Local UI paragraph).
const allowedOrigin = "https://console.foldingathome.org"

// DefaultAddr is the surface's default bind address.
const DefaultAddr = "127.0.0.1:7396"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  2048,
	WriteBufferSize: 2048,
	CheckOrigin:     checkOrigin,
}

// checkOrigin allows same-origin browser clients (no Origin header,
// e.g. a direct websocket test client) and the published console
// origin; everything else is rejected.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == allowedOrigin
}

// Surface is the Local Control Surface: the observable tree plus the
// set of connected browser clients and the command handlers wired by
// App Composition.
type Surface struct {
	tree     *Tree
	handlers Handlers
	log      *zap.SugaredLogger

	mu      sync.Mutex
	clients map[*client]struct{}
	server  *http.Server
}

// NewSurface builds a Surface around an existing observable tree.
func NewSurface(tree *Tree, handlers Handlers) *Surface {
	return &Surface{
		tree:     tree,
		handlers: handlers,
		log:      logger.ComponentLogger("control"),
		clients:  make(map[*client]struct{}),
	}
}

// Start binds addr (default DefaultAddr) and serves until ctx is
// cancelled or Stop is called; it returns once the listener closes.
func (s *Surface) Start(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/info", s.corsMiddleware(s.handleInfo))
	mux.HandleFunc("/api/websocket", s.corsMiddleware(s.handleWebSocket))

	s.mu.Lock()
	s.server = &http.Server{Addr: addr, Handler: mux}
	server := s.server
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.log.Infow("local control surface listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errs.Wrapf(err, "control surface failed on %s", addr)
	}
	return nil
}

// Stop closes every client connection and shuts down the HTTP server.
func (s *Surface) Stop() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*client]struct{})
	server := s.server
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}
}

// corsMiddleware permits only allowedOrigin per spec.md section 6 and
// answers preflight requests, grounded on the teacher's
// corsMiddleware/checkOrigin split.
func (s *Surface) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "POST,PUT,GET,OPTIONS,DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func (s *Surface) handleInfo(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.tree.SnapshotJSON()
	if err != nil {
		http.Error(w, "failed to marshal info", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(snapshot)
}

func (s *Surface) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("failed to upgrade control websocket", "error", err)
		return
	}

	c := newClient(s, conn)
	s.log.Debugw("control client connected", "session", c.id)
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
	}()

	c.serve()
}
