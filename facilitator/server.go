package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xeipuuv/gojsonschema"

	"github.com/x402-foundation/payflow"
)

// instrumentSchema validates inbound /submit bodies at the network
// boundary before they reach the service pipeline.
const instrumentSchema = `{
	"type": "object",
	"required": ["challenge", "payer", "amount", "signature"],
	"properties": {
		"challenge": {
			"type": "object",
			"required": ["payTo", "amount", "resource", "nonce"],
			"properties": {
				"payTo":    {"type": "string", "minLength": 1},
				"amount":   {"type": ["string", "number"]},
				"resource": {"type": "string", "minLength": 1},
				"nonce":    {"type": "string", "minLength": 1}
			}
		},
		"payer":     {"type": "string", "minLength": 1},
		"amount":    {"type": ["string", "number"]},
		"signature": {"type": "string", "minLength": 1}
	}
}`

// Server exposes a Service over HTTP:
//
//	GET  /health         -> 200 HealthStatus
//	POST /submit         -> 200 SettlementRecord, 400 malformed, 409 duplicate nonce
//	GET  /status/:nonce  -> 200 SettlementRecord, 404 unknown
//
// Stop drains in-flight handlers before releasing the port and is
// idempotent.
type Server struct {
	service *Service
	schema  *gojsonschema.Schema
	httpSrv *http.Server

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

// NewServer wraps service in an HTTP server.
func NewServer(service *Service) (*Server, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(instrumentSchema))
	if err != nil {
		return nil, fmt.Errorf("compile instrument schema: %w", err)
	}

	s := &Server{service: service, schema: schema}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.POST("/submit", s.handleSubmit)
	r.GET("/status/:nonce", s.handleStatus)

	s.httpSrv = &http.Server{Handler: r}
	return s, nil
}

// Start binds addr (e.g. ":3001", or ":0" for an ephemeral port) and
// serves in the background.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("server already started")
	}
	if s.stopped {
		return fmt.Errorf("server already stopped")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	s.listener = ln

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("facilitator: serve: %v", err)
		}
	}()
	return nil
}

// URL returns the base URL of the running server.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return "http://" + s.listener.Addr().String()
}

// Stop stops accepting connections, waits for in-flight handlers to
// finish (bounded by ctx) and releases the port. Calling Stop on an
// already-stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.listener != nil
	s.mu.Unlock()

	if !started {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Health())
}

func (s *Server) handleSubmit(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instrument JSON"})
		return
	}
	if !result.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("malformed instrument: %s", result.Errors()[0])})
		return
	}

	var inst payflow.PaymentInstrument
	if err := json.Unmarshal(body, &inst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("malformed instrument: %v", err)})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()

	record, err := s.service.Submit(ctx, inst)
	if err != nil {
		if errors.Is(err, ErrDuplicateNonce) {
			c.JSON(http.StatusConflict, record)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, record)
}

func (s *Server) handleStatus(c *gin.Context) {
	record, err := s.service.Status(c.Param("nonce"))
	if err != nil {
		if errors.Is(err, payflow.ErrNonceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "nonce not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, record)
}
