// Package web serves an engine over HTTP: the current view, event
// dispatch, snapshot handles, spatial queries and metrics. A websocket
// pushes every rendered view, and /ffi carries the CBOR bridge protocol
// for native shells.
package web

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/geocore/internal/app"
	"github.com/roach88/geocore/internal/bridge"
	"github.com/roach88/geocore/internal/engine"
	"github.com/roach88/geocore/internal/fault"
	"github.com/roach88/geocore/internal/geo"
	"github.com/roach88/geocore/internal/model"
)

// maxEventBytes bounds a posted event envelope.
const maxEventBytes = 4 << 20

const cborContentType = "application/cbor"

// TransitionJSON is the wire form of an engine.Transition.
type TransitionJSON struct {
	Seq      uint64         `json:"seq"`
	Cause    uint64         `json:"cause,omitempty"`
	Event    string         `json:"event"`
	Outcome  engine.Outcome `json:"outcome"`
	Code     fault.Code     `json:"code,omitempty"`
	Error    string         `json:"error,omitempty"`
	Requests []app.Request  `json:"requests"`
}

func transitionsJSON(ts []engine.Transition) []TransitionJSON {
	out := make([]TransitionJSON, 0, len(ts))
	for _, t := range ts {
		tj := TransitionJSON{
			Seq:      t.Seq,
			Cause:    t.Cause,
			Event:    t.Event.Kind(),
			Outcome:  t.Outcome,
			Code:     fault.CodeOf(t.Err),
			Requests: t.Requests,
		}
		if tj.Requests == nil {
			tj.Requests = []app.Request{}
		}
		if t.Err != nil {
			tj.Error = t.Err.Error()
		}
		out = append(out, tj)
	}
	return out
}

// Server is the HTTP surface of one engine.
type Server struct {
	eng    *engine.Engine
	ffi    *bridge.Bridge
	hub    *Hub
	router *gin.Engine
	logger *slog.Logger
}

// NewServer builds the routes. gatherer backs /metrics; nil uses the
// default registry.
func NewServer(e *engine.Engine, hub *Hub, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		eng:    e,
		ffi:    bridge.New(e, bridge.CBOR),
		hub:    hub,
		router: gin.New(),
		logger: logger.With("component", "web"),
	}
	s.router.Use(gin.Recovery(), s.logRequests())

	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/view", s.handleView)
	s.router.POST("/events", s.handleEvent)
	s.router.GET("/pending", s.handlePending)
	s.router.GET("/nearest", s.handleNearest)
	s.router.POST("/snapshots", s.handleAcquire)
	s.router.GET("/snapshots/:handle", s.handleSnapshot)
	s.router.DELETE("/snapshots/:handle", s.handleRelease)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	s.router.GET("/ws", s.handleSocket)

	ffi := s.router.Group("/ffi")
	ffi.POST("/events", s.handleFFIEvent)
	ffi.GET("/view", s.handleFFIView)
	return s
}

// Handler returns the routes as an http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"took", time.Since(start),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.eng.Halted(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "halted", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "seq": s.eng.LastSeq()})
}

func (s *Server) handleView(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.View())
}

// handleEvent dispatches a JSON event envelope and returns its transitions.
func (s *Server) handleEvent(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ev, err := app.DecodeEventJSON(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": fault.CodeOf(err)})
		return
	}
	ts, err := s.eng.Dispatch(c.Request.Context(), ev)
	if halted := s.eng.Halted(); halted != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": halted.Error(), "code": fault.Halted, "transitions": transitionsJSON(ts)})
		return
	}
	if err != nil {
		s.logger.Warn("dispatch reported errors", "event", ev.Kind(), "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"transitions": transitionsJSON(ts)})
}

// handleFFIEvent takes a CBOR event envelope and answers with the CBOR
// request batch.
func (s *Server) handleFFIEvent(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := s.ffi.ProcessEvent(c.Request.Context(), body)
	if err != nil {
		status := http.StatusBadRequest
		if s.eng.Halted() != nil {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error(), "code": fault.CodeOf(err)})
		return
	}
	c.Data(http.StatusOK, cborContentType, out)
}

func (s *Server) handleFFIView(c *gin.Context) {
	out, err := s.ffi.View()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, cborContentType, out)
}

func (s *Server) handlePending(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.Pending())
}

func (s *Server) handleNearest(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lon, errLon := strconv.ParseFloat(c.Query("lon"), 64)
	if errLat != nil || errLon != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lat and lon are required numbers"})
		return
	}
	p, err := geo.NewLatLong(lat, lon)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	k, err := strconv.Atoi(c.DefaultQuery("k", "5"))
	if err != nil || k < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "k must be a non-negative integer"})
		return
	}

	var result any
	if r := c.Query("radius"); r != "" {
		radius, perr := strconv.ParseFloat(r, 64)
		if perr != nil || radius < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "radius must be a non-negative number"})
			return
		}
		result, err = s.eng.WithinRadius(p, radius)
	} else {
		result, err = s.eng.Nearest(p, k, nil)
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleAcquire(c *gin.Context) {
	h := s.eng.AcquireSnapshot()
	c.JSON(http.StatusCreated, gin.H{"handle": uint64(h)})
}

func parseHandle(c *gin.Context) (model.Handle, bool) {
	h, err := strconv.ParseUint(c.Param("handle"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid handle"})
		return 0, false
	}
	return model.Handle(h), true
}

func (s *Server) handleSnapshot(c *gin.Context) {
	h, ok := parseHandle(c)
	if !ok {
		return
	}
	vm, err := s.eng.SnapshotView(h)
	if errors.Is(err, model.ErrUnknownHandle) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, vm)
}

func (s *Server) handleRelease(c *gin.Context) {
	h, ok := parseHandle(c)
	if !ok {
		return
	}
	if _, err := s.eng.Snapshots().Release(h); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
