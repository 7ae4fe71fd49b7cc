// Package ops exposes the scheduler's operational surface: a JSON metrics
// endpoint, recent request history, and a websocket stream of lifecycle
// events. It is read-only; work is never submitted through it.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"schedcore/internal/eventbus"
	"schedcore/internal/sched"
	"schedcore/internal/storage"
	logx "schedcore/pkg/logx"
)

type Config struct {
	Listen      string
	EventBuffer int
	// RatePerSec throttles event fan-out per client; bursts beyond it are
	// dropped, never buffered unboundedly.
	RatePerSec int
}

// Server serves the ops endpoints over one HTTP listener.
type Server struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	metrics func() sched.MetricsSnapshot
	store   storage.Store // may be nil

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	srv    *http.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type client struct {
	conn *websocket.Conn
	send chan any
	done chan struct{}
	once sync.Once
	lim  *rate.Limiter
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, metrics func() sched.MetricsSnapshot, store storage.Store) *Server {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	return &Server{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		metrics: metrics,
		store:   store,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/events", s.handleEvents)

	s.srv = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	events, unsub := s.bus.Subscribe(s.cfg.EventBuffer)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsub()
		s.fanout(runCtx, events)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops server exited", logx.Any("err", err))
		}
	}()

	s.log.Info("ops server started", logx.String("listen", s.cfg.Listen))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.srv != nil {
		err = s.srv.Shutdown(ctx)
	}
	s.mu.Lock()
	for c := range s.clients {
		_ = c.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.metrics())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "history storage disabled", http.StatusNotFound)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	recs, err := s.store.RecentRequests(r.Context(), limit)
	if err != nil {
		http.Error(w, "history read failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(recs)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{
		conn: conn,
		send: make(chan any, s.cfg.EventBuffer),
		done: make(chan struct{}),
		lim:  rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.log.Debug("ops client connected", logx.Int("clients", n))

	// Initial snapshot so a fresh client sees state before the next event.
	c.enqueue(map[string]any{"type": "metrics", "data": s.metrics()})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writer(c)
	}()

	// Reader: discard inbound frames; an error means the client is gone.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.drop(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	if ok {
		delete(s.clients, c)
	}
	n := len(s.clients)
	s.mu.Unlock()
	if ok {
		c.once.Do(func() { close(c.done) })
		_ = c.conn.Close()
		s.log.Debug("ops client disconnected", logx.Int("clients", n))
	}
}

func (s *Server) writer(c *client) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.conn.WriteJSON(msg); err != nil {
				s.drop(c)
				return
			}
		}
	}
}

// enqueue delivers non-blocking; a slow client loses events rather than
// stalling the fanout.
func (c *client) enqueue(msg any) {
	select {
	case c.send <- msg:
	default:
	}
}

func (s *Server) fanout(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			s.mu.Lock()
			cs := make([]*client, 0, len(s.clients))
			for c := range s.clients {
				cs = append(cs, c)
			}
			s.mu.Unlock()

			msg := map[string]any{"type": e.Type, "time": e.Time, "data": e.Data}
			for _, c := range cs {
				if !c.lim.Allow() {
					continue
				}
				c.enqueue(msg)
			}
		}
	}
}
