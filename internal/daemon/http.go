package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// statusServer is the daemon's read-only HTTP surface:
// GET only, five paths, JSON with no-store caching. Everything it serves is
// derived from the same runtime state as the IPC status action.
type statusServer struct {
	d   *Daemon
	srv *http.Server
}

func newStatusServer(d *Daemon, addr string) *statusServer {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.HandleMethodNotAllowed = true

	r.Use(func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Next()
	})

	s := &statusServer{d: d}
	r.GET("/", s.root)
	r.GET("/health", s.health)
	r.GET("/status", s.status)
	r.GET("/queue", s.queue)
	r.GET("/waybar", s.waybar)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
	})

	s.srv = &http.Server{Addr: addr, Handler: r}
	return s
}

func (s *statusServer) serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		slog.Error("daemon: status server failed", "err", err)
		return err
	}
}

func (s *statusServer) close(drain time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}

func (s *statusServer) root(c *gin.Context) {
	sess := s.d.Session()
	c.JSON(http.StatusOK, gin.H{
		"name":      "infinitune",
		"mode":      sess.Mode,
		"connected": sess.Connected,
	})
}

// health is liveness only: a process that can answer is alive. The richer
// picture lives at /status.
func (s *statusServer) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *statusServer) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.d.Status())
}

func (s *statusServer) queue(c *gin.Context) {
	q := s.d.Queue()
	if q == nil {
		q = []QueueEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"songs": q, "length": len(q)})
}

// waybar renders the status in the waybar custom-module JSON shape.
func (s *statusServer) waybar(c *gin.Context) {
	st := s.d.Status()

	text := "idle"
	class := "idle"
	if st.Engine.SongID != "" {
		if st.Engine.IsPlaying {
			class = "playing"
		} else {
			class = "paused"
		}
		text = st.Engine.SongID
		if title := s.d.currentSongTitle(); title != "" {
			text = title
		}
	}

	tooltip := fmt.Sprintf("mode: %s", st.Mode)
	if st.QueueLength > 0 {
		tooltip += fmt.Sprintf(" · %d queued", st.QueueLength)
	}
	if st.LastError != "" {
		tooltip += " · error: " + st.LastError
	}

	c.JSON(http.StatusOK, gin.H{
		"text":    text,
		"class":   class,
		"alt":     string(st.Mode),
		"tooltip": tooltip,
	})
}
