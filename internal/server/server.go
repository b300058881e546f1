// Package server exposes the recorder over a local HTTP API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"scribe/internal/app"
	"scribe/internal/metrics"
	"scribe/internal/session"
	"scribe/internal/transcript"

	"github.com/gin-gonic/gin"
)

// Controller is the part of the app the API drives.
type Controller interface {
	GetState() app.State
	StartRecording(ctx context.Context) (string, error)
	StopRecording() (app.Result, error)
	Transcript(translated bool) (string, error)
	Store() *transcript.Store
	Archive() *transcript.Archive
	Metrics() *metrics.Metrics
	Subscribe(buffer int) (<-chan app.Event, func())
}

type Server struct {
	ctrl   Controller
	engine *gin.Engine
	log    *slog.Logger
}

func New(ctrl Controller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{ctrl: ctrl, engine: gin.New(), log: logger}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.engine

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/status", s.status)
	rec := r.Group("/recording", sameOrigin())
	rec.POST("/start", s.startRecording)
	rec.POST("/stop", s.stopRecording)
	r.GET("/transcript", s.transcript)
	r.GET("/segments", s.segments)
	r.GET("/sessions", s.sessions)
	r.GET("/sessions/:id/transcript", s.sessionTranscript)
	r.GET("/events", s.events)

	if m := s.ctrl.Metrics(); m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}
}

// sameOrigin rejects browser requests sent from another site. Requests
// without an Origin header (curl, the CLI) pass.
func sameOrigin() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		u, err := url.Parse(origin)
		if err != nil || !strings.EqualFold(u.Host, c.Request.Host) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "cross-origin request rejected"})
			return
		}
		c.Next()
	}
}

// Handler returns the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("api request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.GetState())
}

func (s *Server) startRecording(c *gin.Context) {
	// the recording outlives the request
	path, err := s.ctrl.StartRecording(context.WithoutCancel(c.Request.Context()))
	switch {
	case errors.Is(err, app.ErrAlreadyRecording):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		s.log.Error("start recording failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusCreated, gin.H{"outputPath": path})
	}
}

type stopResponse struct {
	app.Result
	Warning string `json:"warning,omitempty"`
}

func (s *Server) stopRecording(c *gin.Context) {
	res, err := s.ctrl.StopRecording()
	switch {
	case errors.Is(err, app.ErrNotRecording):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrResidualWork):
		c.JSON(http.StatusOK, stopResponse{Result: res, Warning: err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "masterPath": res.MasterPath})
	default:
		c.JSON(http.StatusOK, stopResponse{Result: res})
	}
}

func (s *Server) transcript(c *gin.Context) {
	text, err := s.ctrl.Transcript(wantTranslated(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.String(http.StatusOK, text)
}

type segmentView struct {
	transcript.Segment
	Translation string `json:"translation,omitempty"`
}

func (s *Server) segments(c *gin.Context) {
	store := s.ctrl.Store()
	if store == nil {
		c.JSON(http.StatusOK, []segmentView{})
		return
	}

	segs := store.Segments()
	out := make([]segmentView, 0, len(segs))
	for _, seg := range segs {
		tr, _ := store.Translation(seg.ChunkNumber)
		out = append(out, segmentView{Segment: seg, Translation: tr})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) sessions(c *gin.Context) {
	ar := s.ctrl.Archive()
	if ar == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "archive disabled"})
		return
	}
	recs, err := ar.Sessions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (s *Server) sessionTranscript(c *gin.Context) {
	ar := s.ctrl.Archive()
	if ar == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "archive disabled"})
		return
	}

	id := c.Param("id")
	if _, err := ar.Session(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	store, err := ar.Restore(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if wantTranslated(c) {
		c.String(http.StatusOK, store.Translated())
		return
	}
	c.String(http.StatusOK, store.Full())
}

func wantTranslated(c *gin.Context) bool {
	switch c.Query("translated") {
	case "1", "true", "yes":
		return true
	}
	return false
}
