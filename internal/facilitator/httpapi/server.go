// Package httpapi exposes the facilitator over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/facilitator"
	"agentspend/go-backend/internal/metrics"
	"agentspend/go-backend/internal/platform/ratelimiter"
	"agentspend/go-backend/internal/verifier"
)

const (
	DefaultAddr   = "127.0.0.1:8402"
	componentName = "facilitator.httpapi"
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Options struct {
	Addr string
	// APIToken, when set, is required as a bearer token on /verify and /settle.
	APIToken string
	// Limiter is keyed by the transfer authority in the submitted transaction.
	// The authority is unverified at that point, so ClientLimiter, keyed by
	// client address, is checked first.
	Limiter       *ratelimiter.MapLimiter
	ClientLimiter *ratelimiter.MapLimiter
	Metrics       *metrics.Collectors
	Logger        *slog.Logger
	Now           func() time.Time
}

type Server struct {
	httpServer  *http.Server
	engine      *gin.Engine
	facilitator *facilitator.Facilitator
	apiToken    string
	limiter     *ratelimiter.MapLimiter
	clients     *ratelimiter.MapLimiter
	metrics     *metrics.Collectors
	logger      *slog.Logger
	now         func() time.Time
}

func New(fac *facilitator.Facilitator, opts Options) *Server {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := gin.New()
	r.Use(gin.Recovery())
	// ClientIP must come from the connection, not a forwarded header.
	_ = r.SetTrustedProxies(nil)
	s := &Server{
		engine:      r,
		facilitator: fac,
		apiToken:    strings.TrimSpace(opts.APIToken),
		limiter:     opts.Limiter,
		clients:     opts.ClientLimiter,
		metrics:     opts.Metrics,
		logger:      logger,
		now:         now,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/fee-reserve", s.handleFeeReserve)
	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	s.engine.GET("/supported", s.handleSupported)
	s.engine.POST("/verify", s.requireToken, s.handleVerify)
	s.engine.POST("/settle", s.requireToken, s.handleSettle)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()
	s.logger.Info("facilitator listening",
		"component", componentName,
		"operation", "run",
		"addr", s.httpServer.Addr,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"network":  s.facilitator.Network(),
		"feePayer": s.facilitator.FeePayerAddress(),
	})
}

func (s *Server) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"kinds": []gin.H{{
			"x402Version": facilitator.X402Version,
			"scheme":      facilitator.SchemeExact,
			"network":     s.facilitator.Network(),
			"extra":       gin.H{"feePayer": s.facilitator.FeePayerAddress()},
		}},
	})
}

func (s *Server) handleFeeReserve(c *gin.Context) {
	health, err := s.facilitator.FeeReserve(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, health)
}

func (s *Server) handleVerify(c *gin.Context) {
	req, ok := s.bind(c)
	if !ok {
		return
	}
	resp, err := s.facilitator.Verify(c.Request.Context(), req)
	if err != nil && apperr.CategoryOf(err) != apperr.CategoryVerification {
		writeError(c, err)
		return
	}
	c.JSON(statusFor(err), resp)
}

func (s *Server) handleSettle(c *gin.Context) {
	req, ok := s.bind(c)
	if !ok {
		return
	}
	resp, err := s.facilitator.Settle(c.Request.Context(), req)
	c.JSON(statusFor(err), resp)
}

func (s *Server) bind(c *gin.Context) (facilitator.Request, bool) {
	var req facilitator.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "request body must be a payment request")
		return req, false
	}
	now := s.now()
	client := "client:" + c.ClientIP()
	if ok, wait := s.clients.Take(client, now); !ok {
		s.rejectRateLimited(c, client, wait)
		return req, false
	}
	if payer := payerKey(req); payer != "" {
		if ok, wait := s.limiter.Take(payer, now); !ok {
			s.rejectRateLimited(c, payer, wait)
			return req, false
		}
	}
	return req, true
}

func (s *Server) rejectRateLimited(c *gin.Context, key string, wait time.Duration) {
	s.metrics.RecordRateLimited()
	c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	s.logger.Warn("rate limited",
		"component", componentName,
		"operation", c.FullPath(),
		"key", key,
	)
	writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
}

// payerKey names the transfer authority of the submitted transaction, or ""
// when none can be parsed.
func payerKey(req facilitator.Request) string {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.PaymentPayload.Payload.Transaction))
	if err != nil {
		return ""
	}
	transfers, err := verifier.ParseTransferInstructions(raw, nil)
	if err != nil || len(transfers) == 0 {
		return ""
	}
	return "payer:" + transfers[0].Authority
}

func (s *Server) requireToken(c *gin.Context) {
	if s.apiToken == "" {
		c.Next()
		return
	}
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	presented, found := strings.CutPrefix(header, "Bearer ")
	if !found || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(s.apiToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Code: "UNAUTHORIZED", Message: "authentication failed"})
		return
	}
	c.Next()
}

func statusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch apperr.CategoryOf(err) {
	case apperr.CategoryValidation:
		return http.StatusBadRequest
	case apperr.CategoryPrecondition:
		return http.StatusConflict
	case apperr.CategoryTransport:
		return http.StatusBadGateway
	case apperr.CategoryVerification:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func codeFor(err error) string {
	switch apperr.CategoryOf(err) {
	case apperr.CategoryValidation:
		return "INVALID_ARGUMENT"
	case apperr.CategoryPrecondition:
		return "FAILED_PRECONDITION"
	case apperr.CategoryTransport:
		return "UPSTREAM_UNAVAILABLE"
	case apperr.CategoryVerification:
		return "VERIFICATION_FAILED"
	default:
		return "INTERNAL"
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeErrorCode(c, status, codeFor(err), message)
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Code: code, Message: message})
}
