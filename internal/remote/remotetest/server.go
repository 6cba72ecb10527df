// Package remotetest provides an in-process fake of the remote realtime
// note store: a REST tree for point operations plus a websocket feed that
// broadcasts the full subtree on every change. Tests drive it to simulate
// other clients, outages and revoked access.
package remotetest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/driftnotes/drift/internal/note"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type watcher struct {
	id        int64
	conn      *websocket.Conn
	snapshots chan map[string]note.WireNote
	done      chan struct{}
	closeOnce sync.Once
}

// Server is an httptest-backed fake remote store.
type Server struct {
	httpServer *httptest.Server

	mu          sync.Mutex
	trees       map[string]map[string]note.WireNote
	watchers    map[string]map[int64]*watcher
	nextID      int64
	unavailable bool
	revoked     map[string]bool
}

// NewServer starts the fake store. Callers must Close it.
func NewServer() *Server {
	server := &Server{
		trees:    make(map[string]map[string]note.WireNote),
		watchers: make(map[string]map[int64]*watcher),
		revoked:  make(map[string]bool),
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	authorized := router.Group("/:principal")
	authorized.Use(server.authorizeRequest)
	authorized.GET("/notes", server.handleReadAll)
	authorized.GET("/notes/watch", server.handleWatch)
	authorized.PUT("/notes/:id", server.handleWrite)
	authorized.DELETE("/notes/:id", server.handleRemove)

	server.httpServer = httptest.NewServer(router)
	return server
}

// URL returns the base URL of the fake store.
func (s *Server) URL() string {
	return s.httpServer.URL
}

// Close shuts the server down and drops every watcher.
func (s *Server) Close() {
	s.mu.Lock()
	for _, byID := range s.watchers {
		for _, w := range byID {
			closeWatcher(w)
		}
	}
	s.watchers = make(map[string]map[int64]*watcher)
	s.mu.Unlock()
	s.httpServer.Close()
}

// TokenFor returns the bearer token the fake store accepts for a principal.
func (s *Server) TokenFor(principal string) string {
	return "token-" + principal
}

// SetUnavailable makes every subsequent request fail with 503 to simulate an
// outage. Existing websocket feeds are dropped.
func (s *Server) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	s.unavailable = unavailable
	if unavailable {
		for _, byID := range s.watchers {
			for _, w := range byID {
				closeWatcher(w)
			}
		}
		s.watchers = make(map[string]map[int64]*watcher)
	}
	s.mu.Unlock()
}

// RevokeAccess makes the principal's namespace inaccessible: point requests
// fail with 403 and live feeds close with a policy violation.
func (s *Server) RevokeAccess(principal string) {
	s.mu.Lock()
	s.revoked[principal] = true
	for _, w := range s.watchers[principal] {
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "access revoked")
		_ = w.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		closeWatcher(w)
	}
	delete(s.watchers, principal)
	s.mu.Unlock()
}

// Seed stores a record under the principal, as another client would, and
// broadcasts the updated subtree to watchers.
func (s *Server) Seed(principal string, record note.WireNote) {
	s.mu.Lock()
	s.putLocked(principal, record)
	snapshot := s.snapshotLocked(principal)
	watchers := s.watchersLocked(principal)
	s.mu.Unlock()
	broadcast(watchers, snapshot)
}

// Notes returns a copy of the principal's stored subtree.
func (s *Server) Notes(principal string) map[string]note.WireNote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(principal)
}

// WatcherCount reports the number of live feeds for the principal.
func (s *Server) WatcherCount(principal string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers[principal])
}

func (s *Server) authorizeRequest(c *gin.Context) {
	s.mu.Lock()
	unavailable := s.unavailable
	revoked := s.revoked[c.Param("principal")]
	s.mu.Unlock()

	if unavailable {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable"})
		return
	}

	principal := c.Param("principal")
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if revoked || token != s.TokenFor(principal) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func (s *Server) handleWrite(c *gin.Context) {
	var record note.WireNote
	if err := c.ShouldBindJSON(&record); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	record.ID = c.Param("id")

	principal := c.Param("principal")
	s.mu.Lock()
	s.putLocked(principal, record)
	snapshot := s.snapshotLocked(principal)
	watchers := s.watchersLocked(principal)
	s.mu.Unlock()
	broadcast(watchers, snapshot)

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleRemove(c *gin.Context) {
	principal := c.Param("principal")
	s.mu.Lock()
	if tree := s.trees[principal]; tree != nil {
		delete(tree, c.Param("id"))
	}
	snapshot := s.snapshotLocked(principal)
	watchers := s.watchersLocked(principal)
	s.mu.Unlock()
	broadcast(watchers, snapshot)

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReadAll(c *gin.Context) {
	s.mu.Lock()
	snapshot := s.snapshotLocked(c.Param("principal"))
	s.mu.Unlock()
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) handleWatch(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	principal := c.Param("principal")
	s.mu.Lock()
	s.nextID++
	w := &watcher{
		id:        s.nextID,
		conn:      conn,
		snapshots: make(chan map[string]note.WireNote, 4),
		done:      make(chan struct{}),
	}
	if _, ok := s.watchers[principal]; !ok {
		s.watchers[principal] = make(map[int64]*watcher)
	}
	s.watchers[principal][w.id] = w
	initial := s.snapshotLocked(principal)
	s.mu.Unlock()

	w.snapshots <- initial

	go s.writeLoop(w)
	go s.readLoop(principal, w)
}

func (s *Server) writeLoop(w *watcher) {
	for {
		select {
		case snapshot := <-w.snapshots:
			if err := w.conn.WriteJSON(snapshot); err != nil {
				closeWatcher(w)
				return
			}
		case <-w.done:
			return
		}
	}
}

func (s *Server) readLoop(principal string, w *watcher) {
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			s.mu.Lock()
			if byID := s.watchers[principal]; byID != nil {
				delete(byID, w.id)
				if len(byID) == 0 {
					delete(s.watchers, principal)
				}
			}
			s.mu.Unlock()
			closeWatcher(w)
			return
		}
	}
}

func (s *Server) putLocked(principal string, record note.WireNote) {
	if _, ok := s.trees[principal]; !ok {
		s.trees[principal] = make(map[string]note.WireNote)
	}
	s.trees[principal][record.ID] = record
}

func (s *Server) snapshotLocked(principal string) map[string]note.WireNote {
	snapshot := make(map[string]note.WireNote, len(s.trees[principal]))
	for id, record := range s.trees[principal] {
		snapshot[id] = record
	}
	return snapshot
}

func (s *Server) watchersLocked(principal string) []*watcher {
	byID := s.watchers[principal]
	copies := make([]*watcher, 0, len(byID))
	for _, w := range byID {
		copies = append(copies, w)
	}
	return copies
}

func broadcast(watchers []*watcher, snapshot map[string]note.WireNote) {
	for _, w := range watchers {
		select {
		case w.snapshots <- snapshot:
		default:
		}
	}
}

func closeWatcher(w *watcher) {
	w.closeOnce.Do(func() {
		close(w.done)
		_ = w.conn.Close()
	})
}
