package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"graspcell.ai/internal/observerproto"
	"graspcell.ai/internal/sim/cell"
)

// Source is what the bootstrap endpoint reports on.
type Source interface {
	Status() cell.Status
}

// Server fans tick summaries out to websocket observers. It is a cell
// TickSink; OnTick never blocks and slow observers lose ticks.
type Server struct {
	src Source
	log *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu      sync.RWMutex
	clients map[string]*client

	dropped atomic.Uint64
}

type client struct {
	out chan []byte

	mu    sync.Mutex
	watch map[int]bool
	every uint64
}

func (c *client) subscribe(sub observerproto.SubscribeMsg) {
	watch := map[int]bool{}
	for _, w := range sub.Worlds {
		watch[w] = true
	}
	c.mu.Lock()
	c.watch = watch
	c.every = uint64(sub.Every)
	c.mu.Unlock()
}

func NewServer(src Source, logger *log.Logger) *Server {
	return &Server{
		src: src,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		clients: map[string]*client{},
	}
}

// Clients is the number of subscribed observers.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Dropped counts messages not delivered to slow observers.
func (s *Server) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Server) OnTick(sum cell.Summary) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.mu.Lock()
		watch, every := c.watch, c.every
		c.mu.Unlock()

		msg := observerproto.Filter(sum, watch)
		if every > 1 && sum.Tick%every != 0 && !msg.Eventful() {
			continue
		}
		b, err := json.Marshal(msg)
		if err != nil {
			s.printf("observer: marshal tick %d: %v", sum.Tick, err)
			continue
		}
		select {
		case c.out <- b:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		st := s.src.Status()
		worlds := 0
		for _, n := range st.States {
			worlds += n
		}
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			RunID:           st.RunID,
			Tick:            st.Tick,
			Worlds:          worlds,
			States:          st.States,
			Totals:          st.Totals,
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		sub, err := readSubscribe(conn)
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		c := &client{out: make(chan []byte, 64)}
		c.subscribe(sub)

		s.mu.Lock()
		s.clients[sid] = c
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.clients, sid)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			sub, err := readSubscribe(conn)
			if err != nil {
				var perr *protocolError
				if errors.As(err, &perr) {
					continue
				}
				break
			}
			c.subscribe(sub)
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

type protocolError struct{ reason string }

func (e *protocolError) Error() string { return e.reason }

// readSubscribe returns a *protocolError for a well-formed frame that is not
// a valid SUBSCRIBE, and the connection error otherwise.
func readSubscribe(conn *websocket.Conn) (observerproto.SubscribeMsg, error) {
	var sub observerproto.SubscribeMsg
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return sub, err
	}
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, &protocolError{reason: "bad subscribe"}
	}
	if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
		return sub, &protocolError{reason: "expected SUBSCRIBE"}
	}
	if sub.Every < 0 {
		sub.Every = 0
	}
	return sub, nil
}

func (s *Server) printf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
