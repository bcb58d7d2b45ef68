// Package api exposes the orchestrator over HTTP. Mutating routes require an
// EIP-191 signature from the caller address.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bvkgo/kv"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"pocketDCA/internal/errs"
	"pocketDCA/internal/orchestrator"
)

const maxBodyBytes = 1 << 20

// TokenInfo resolves token decimals for the statistics view.
type TokenInfo interface {
	Decimals(ctx context.Context, token common.Address) (uint8, error)
}

// Options wires a Server.
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Tokens       TokenInfo
	// DB records spent request signatures.
	DB     kv.Database
	Logger *zap.Logger
	// MaxSkew bounds the age of a signed request. Defaults to five minutes.
	MaxSkew time.Duration
	// RequestTimeout bounds each handler. Defaults to ten seconds.
	RequestTimeout time.Duration
	// FeeTier is used for quotes when the request does not name one.
	FeeTier uint32
	Now     func() time.Time
}

// Server serves the pocket API.
type Server struct {
	orch    *orchestrator.Orchestrator
	tokens  TokenInfo
	db      kv.Database
	logger  *zap.Logger
	maxSkew time.Duration
	timeout time.Duration
	feeTier uint32
	now     func() time.Time
}

func NewServer(opts Options) (*Server, error) {
	if opts.Orchestrator == nil {
		return nil, fmt.Errorf("api: orchestrator is required")
	}
	if opts.DB == nil {
		return nil, fmt.Errorf("api: db is required")
	}
	s := &Server{
		orch:    opts.Orchestrator,
		tokens:  opts.Tokens,
		db:      opts.DB,
		logger:  opts.Logger,
		maxSkew: opts.MaxSkew,
		timeout: opts.RequestTimeout,
		feeTier: opts.FeeTier,
		now:     opts.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.maxSkew <= 0 {
		s.maxSkew = 5 * time.Minute
	}
	if s.timeout <= 0 {
		s.timeout = 10 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Router returns the bare route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()

	// Views
	api.HandleFunc("/pockets", s.listPockets).Methods("GET")
	api.HandleFunc("/pockets/{id}", s.getPocket).Methods("GET")
	api.HandleFunc("/pockets/{id}/stop-conditions", s.getStopConditions).Methods("GET")
	api.HandleFunc("/pockets/{id}/trading-info", s.getTradingInfo).Methods("GET")
	api.HandleFunc("/pockets/{id}/quote", s.getQuote).Methods("GET")
	api.HandleFunc("/pockets/{id}/stats", s.getStats).Methods("GET")
	api.HandleFunc("/whitelist/{address}", s.getWhitelisted).Methods("GET")
	api.HandleFunc("/roles/{role}/{address}", s.getRole).Methods("GET")
	api.HandleFunc("/methods", s.getMethods).Methods("GET")

	// Owner operations
	api.HandleFunc("/pockets", s.signed(s.createPocket)).Methods("POST")
	api.HandleFunc("/pockets/{id}", s.signed(s.updatePocket)).Methods("PUT")
	api.HandleFunc("/pockets/{id}/deposit", s.signed(s.depositToken)).Methods("POST")
	api.HandleFunc("/pockets/{id}/deposit-ether", s.signed(s.depositEther)).Methods("POST")
	api.HandleFunc("/pockets/{id}/pause", s.signed(s.pausePocket)).Methods("POST")
	api.HandleFunc("/pockets/{id}/restart", s.signed(s.restartPocket)).Methods("POST")
	api.HandleFunc("/pockets/{id}/close", s.signed(s.closePocket)).Methods("POST")
	api.HandleFunc("/pockets/{id}/withdraw", s.signed(s.withdraw)).Methods("POST")
	api.HandleFunc("/pockets/{id}/close-position", s.signed(s.closePosition)).Methods("POST")
	api.HandleFunc("/multicall", s.signed(s.multicall)).Methods("POST")

	// Operator operations
	api.HandleFunc("/pockets/{id}/swap", s.signed(s.tryMakingDCASwap)).Methods("POST")
	api.HandleFunc("/pockets/{id}/try-close-position", s.signed(s.tryClosingPosition)).Methods("POST")

	// Admin
	api.HandleFunc("/admin/whitelist", s.signed(s.whitelist)).Methods("POST")
	api.HandleFunc("/admin/roles", s.signed(s.setRole)).Methods("POST")
	api.HandleFunc("/admin/quoters", s.signed(s.setQuoter)).Methods("POST")

	return r
}

// Handler wraps the routes with CORS, request logging and panic recovery.
func (s *Server) Handler() http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", HeaderCaller, HeaderTimestamp, HeaderSignature}),
	)
	accessLog := zap.NewStdLog(s.logger.Named("http")).Writer()
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(handlers.LoggingHandler(accessLog, cors(s.Router())))
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      s.timeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api starting", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	go s.pruneLoop(ctx)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown api: %w", err)
		}
		return nil
	}
}

func (s *Server) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(s.maxSkew)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PruneRequests(ctx)
			if err != nil {
				s.logger.Warn("prune request digests failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Debug("pruned request digests", zap.Int("count", n))
			}
		}
	}
}

func (s *Server) reqCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}

type signedHandler func(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte)

func (s *Server) signed(next signedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeErr(w, http.StatusBadRequest, "read body: "+err.Error())
			return
		}
		caller, err := s.authenticate(r, body)
		if err != nil {
			writeErr(w, http.StatusUnauthorized, err.Error())
			return
		}
		next(w, r, caller, body)
	}
}

// --------- helpers ---------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// errorBody is returned for failed pocket operations.
type errorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	Kind       string `json:"kind"`
	RetryLater bool   `json:"retry_later,omitempty"`
}

func (s *Server) writeFailure(w http.ResponseWriter, op string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	}
	writeJSON(w, status, errorBody{
		Error:      err.Error(),
		Code:       errs.CodeOf(err),
		Kind:       string(errs.KindOf(err)),
		RetryLater: errs.IsRetryLater(err),
	})
}

// StatusFor maps a pocket error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch errs.KindOf(err) {
	case errs.KindIdentity, errs.KindState:
		return http.StatusConflict
	case errs.KindAuthorization:
		return http.StatusForbidden
	case errs.KindInvalid:
		return http.StatusBadRequest
	case errs.KindMarket, errs.KindCondition:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(body []byte, dst any) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: empty request body", errs.ErrInvalidParams)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidParams, err)
	}
	return nil
}

func (s *Server) feeTierParam(r *http.Request) (uint32, error) {
	raw := r.URL.Query().Get("fee")
	if raw == "" {
		return s.feeTier, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: fee %q", errs.ErrInvalidParams, raw)
	}
	return uint32(v), nil
}

func addressVar(r *http.Request, name string) (common.Address, error) {
	raw := mux.Vars(r)[name]
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %s %q", errs.ErrInvalidParams, name, raw)
	}
	return common.HexToAddress(raw), nil
}
