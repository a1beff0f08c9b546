// Package api exposes the settlement service, the risk control plane and
// the operational endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/volsettle/internal/custody"
	"github.com/nexus-trading/volsettle/internal/errs"
	"github.com/nexus-trading/volsettle/internal/futures"
	"github.com/nexus-trading/volsettle/internal/oracle"
	"github.com/nexus-trading/volsettle/internal/perps"
	"github.com/nexus-trading/volsettle/internal/risk"
	"github.com/nexus-trading/volsettle/internal/settlement"
	"github.com/nexus-trading/volsettle/internal/variance"
)

// TraceHeader carries the caller's trace id into the settlement pipeline.
const TraceHeader = "X-Trace-Id"

// Server wires HTTP routes to a settlement service. Risk, Metrics and
// Health are optional.
type Server struct {
	Service *settlement.Service
	Risk    *risk.Engine
	Metrics http.Handler
	Health  http.Handler

	// Applied to variance market requests that omit them.
	VarianceAuthority string
	DefaultStrike     float64
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/status", s.status)
	mux.HandleFunc("GET /v1/balances/{holder}", s.balances)
	mux.HandleFunc("POST /v1/deposits", s.deposit)
	mux.HandleFunc("POST /v1/oracle/observe", s.observe)

	mux.HandleFunc("POST /v1/futures", s.launchFutures)
	mux.HandleFunc("POST /v1/futures/{id}/mint", s.futuresMint)
	mux.HandleFunc("POST /v1/futures/{id}/redeem", s.futuresRedeem)
	mux.HandleFunc("PUT /v1/futures/{id}/fee", s.futuresFee)

	mux.HandleFunc("POST /v1/perps", s.openPerpMarket)
	mux.HandleFunc("POST /v1/perps/{id}/open", s.perpOpen)
	mux.HandleFunc("POST /v1/perps/{id}/close", s.perpClose)
	mux.HandleFunc("PUT /v1/perps/{id}/vault", s.perpVault)

	mux.HandleFunc("POST /v1/variance", s.initVariance)
	mux.HandleFunc("POST /v1/variance/{epoch}/mint", s.varianceMint)
	mux.HandleFunc("POST /v1/variance/{epoch}/redeem", s.varianceRedeem)

	// ── Control plane ──
	mux.HandleFunc("GET /control/status", s.controlStatus)
	mux.HandleFunc("POST /control/freeze", s.control(func(e *risk.Engine, r *http.Request) {
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "manual"
		}
		e.Freeze(reason)
	}))
	mux.HandleFunc("POST /control/resume", s.control(func(e *risk.Engine, _ *http.Request) { e.Resume() }))
	mux.HandleFunc("POST /control/kill", s.control(func(e *risk.Engine, _ *http.Request) { e.Kill() }))

	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics)
	}
	if s.Health != nil {
		mux.Handle("GET /healthz", s.Health)
	}
	return mux
}

// ---------------------------------------------------------------------------
// Request bodies
// ---------------------------------------------------------------------------

type DepositRequest struct {
	Account string `json:"account"`
	Amount  uint64 `json:"amount"`
}

type ObserveRequest struct {
	Signer      string    `json:"signer"`
	Price       float64   `json:"price"`
	PublishedAt time.Time `json:"published_at"`
}

type LaunchFuturesRequest struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Symbol           string `json:"symbol"`
	Authority        string `json:"authority"`
	FeeBps           uint16 `json:"fee_bps"`
	PricePerVolPoint uint64 `json:"price_per_vol_point"`
	FeeDestination   string `json:"fee_destination"`
}

type AmountRequest struct {
	User   string `json:"user"`
	Amount uint64 `json:"amount"`
}

type FeeRequest struct {
	Signer string `json:"signer"`
	FeeBps uint16 `json:"fee_bps"`
}

type OpenPerpMarketRequest struct {
	ID                string `json:"id"`
	Authority         string `json:"authority"`
	Vault             string `json:"vault"`
	CheckTokenBalance bool   `json:"check_token_balance"`
}

type PerpOpenRequest struct {
	Owner  string `json:"owner"`
	Side   string `json:"side"`
	Margin uint64 `json:"margin"`
}

type PerpCloseRequest struct {
	Owner string `json:"owner"`
}

type VaultRequest struct {
	Signer string `json:"signer"`
	Vault  string `json:"vault"`
}

type InitVarianceRequest struct {
	Epoch     uint64  `json:"epoch"`
	Strike    float64 `json:"strike"`
	Authority string  `json:"authority"`
}

type VarianceMintRequest struct {
	User   string `json:"user"`
	Amount uint64 `json:"amount"`
	IsLong bool   `json:"is_long"`
}

type VarianceRedeemRequest struct {
	User string `json:"user"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Code  uint32 `json:"code"`
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Service.Status(r.Context()))
}

func (s *Server) balances(w http.ResponseWriter, r *http.Request) {
	holder := custody.Account(r.PathValue("holder"))
	out := make([]custody.Holding, 0)
	for _, h := range s.Service.Holdings() {
		if h.Holder == holder {
			out = append(out, h)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	bal, err := s.Service.Deposit(traced(r), custody.Account(req.Account), req.Amount)
	reply(w, map[string]uint64{"balance": bal}, err)
}

func (s *Server) observe(w http.ResponseWriter, r *http.Request) {
	var req ObserveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.PublishedAt.IsZero() {
		req.PublishedAt = time.Now()
	}
	st, err := s.Service.ObservePrice(traced(r), req.Signer, oracle.Tick{Price: req.Price, PublishedAt: req.PublishedAt})
	reply(w, st, err)
}

func (s *Server) launchFutures(w http.ResponseWriter, r *http.Request) {
	var req LaunchFuturesRequest
	if !decode(w, r, &req) {
		return
	}
	cfg, err := s.Service.LaunchFutures(traced(r), futures.Params{
		ID:               req.ID,
		Name:             req.Name,
		Symbol:           req.Symbol,
		Authority:        req.Authority,
		FeeBps:           req.FeeBps,
		PricePerVolPoint: req.PricePerVolPoint,
		FeeDestination:   custody.Account(req.FeeDestination),
	})
	reply(w, cfg, err)
}

func (s *Server) futuresMint(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := s.Service.FuturesMint(traced(r), r.PathValue("id"), custody.Account(req.User), req.Amount)
	reply(w, rec, err)
}

func (s *Server) futuresRedeem(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := s.Service.FuturesRedeem(traced(r), r.PathValue("id"), custody.Account(req.User), req.Amount)
	reply(w, rec, err)
}

func (s *Server) futuresFee(w http.ResponseWriter, r *http.Request) {
	var req FeeRequest
	if !decode(w, r, &req) {
		return
	}
	old, err := s.Service.SetFuturesFee(traced(r), r.PathValue("id"), req.Signer, req.FeeBps)
	reply(w, map[string]uint16{"old_fee_bps": old, "new_fee_bps": req.FeeBps}, err)
}

func (s *Server) openPerpMarket(w http.ResponseWriter, r *http.Request) {
	var req OpenPerpMarketRequest
	if !decode(w, r, &req) {
		return
	}
	cfg, err := s.Service.OpenPerpMarket(traced(r), perps.Params{
		ID:                req.ID,
		Authority:         req.Authority,
		Vault:             custody.Account(req.Vault),
		CheckTokenBalance: req.CheckTokenBalance,
	})
	reply(w, cfg, err)
}

func (s *Server) perpOpen(w http.ResponseWriter, r *http.Request) {
	var req PerpOpenRequest
	if !decode(w, r, &req) {
		return
	}
	side, err := perps.ParseSide(req.Side)
	if err != nil {
		writeError(w, err)
		return
	}
	pos, err := s.Service.PerpOpen(traced(r), r.PathValue("id"), custody.Account(req.Owner), side, req.Margin)
	reply(w, pos, err)
}

func (s *Server) perpClose(w http.ResponseWriter, r *http.Request) {
	var req PerpCloseRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := s.Service.PerpClose(traced(r), r.PathValue("id"), custody.Account(req.Owner))
	reply(w, st, err)
}

func (s *Server) perpVault(w http.ResponseWriter, r *http.Request) {
	var req VaultRequest
	if !decode(w, r, &req) {
		return
	}
	cfg, err := s.Service.SetPerpVault(traced(r), r.PathValue("id"), req.Signer, custody.Account(req.Vault))
	reply(w, cfg, err)
}

func (s *Server) initVariance(w http.ResponseWriter, r *http.Request) {
	var req InitVarianceRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Authority == "" {
		req.Authority = s.VarianceAuthority
	}
	if req.Strike == 0 {
		req.Strike = s.DefaultStrike
	}
	st, err := s.Service.InitVarianceMarket(traced(r), variance.Params{
		Epoch:     req.Epoch,
		Strike:    req.Strike,
		Authority: req.Authority,
	})
	reply(w, st, err)
}

func (s *Server) varianceMint(w http.ResponseWriter, r *http.Request) {
	epoch, ok := pathEpoch(w, r)
	if !ok {
		return
	}
	var req VarianceMintRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := s.Service.VarianceMint(traced(r), epoch, custody.Account(req.User), req.Amount, req.IsLong)
	reply(w, rec, err)
}

func (s *Server) varianceRedeem(w http.ResponseWriter, r *http.Request) {
	epoch, ok := pathEpoch(w, r)
	if !ok {
		return
	}
	var req VarianceRedeemRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := s.Service.VarianceRedeem(traced(r), epoch, custody.Account(req.User))
	reply(w, st, err)
}

func (s *Server) controlStatus(w http.ResponseWriter, _ *http.Request) {
	if s.Risk == nil {
		writeJSON(w, http.StatusOK, map[string]any{"active": true})
		return
	}
	writeJSON(w, http.StatusOK, s.Risk.Metrics())
}

func (s *Server) control(fn func(*risk.Engine, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Risk == nil {
			http.Error(w, "risk engine disabled", http.StatusNotImplemented)
			return
		}
		fn(s.Risk, r)
		log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("control plane action")
		writeJSON(w, http.StatusOK, s.Risk.Metrics())
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func traced(r *http.Request) context.Context {
	if id := r.Header.Get(TraceHeader); id != "" {
		return settlement.WithTraceID(r.Context(), id)
	}
	return r.Context()
}

func pathEpoch(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	epoch, err := strconv.ParseUint(r.PathValue("epoch"), 10, 64)
	if err != nil {
		writeError(w, errorsmod.Wrapf(errs.ErrInvalidInput, "epoch %q", r.PathValue("epoch")))
		return 0, false
	}
	return epoch, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, errorsmod.Wrapf(errs.ErrInvalidInput, "decode body: %v", err))
		return false
	}
	return true
}

func reply(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusOf(err), ErrorResponse{Error: err.Error(), Kind: errs.Kind(err), Code: errs.Code(err)})
}

// StatusOf maps a settlement error to an HTTP status.
func StatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errs.ErrInvalidInput), errors.Is(err, errs.ErrInvalidPriceData):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrMarketNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrMarketExists), errors.Is(err, errs.ErrPositionAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, errs.ErrRiskRejected):
		return http.StatusTooManyRequests
	case errors.Is(err, errs.ErrOracleStale), errors.Is(err, errs.ErrOracleUnavailable), errors.Is(err, errs.ErrStalePriceFeed):
		return http.StatusServiceUnavailable
	case errs.Code(err) > 1:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
