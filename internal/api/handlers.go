package api

import (
	"context"
	"fmt"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"pocketDCA/internal/errs"
	"pocketDCA/internal/ledger"
	"pocketDCA/internal/model"
	"pocketDCA/internal/orchestrator"
	"pocketDCA/internal/stats"
)

type amountRequest struct {
	Amount *big.Int `json:"amount"`
}

type valueRequest struct {
	Value *big.Int `json:"value"`
	// Funding is the transaction that sent Value to the custody account.
	Funding common.Hash `json:"funding_tx"`
}

type swapRequest struct {
	FeeTier      uint32   `json:"fee_tier"`
	MinAmountOut *big.Int `json:"min_amount_out"`
}

type createRequest struct {
	orchestrator.CreatePocketParams
	// Amount deposits base token right after creation.
	Amount *big.Int `json:"amount,omitempty"`
	// Value wraps native value, paid in the Funding transaction, as the
	// first deposit.
	Value   *big.Int    `json:"value,omitempty"`
	Funding common.Hash `json:"funding_tx"`
}

type whitelistRequest struct {
	Address common.Address `json:"address"`
	Allowed bool           `json:"allowed"`
}

type roleRequest struct {
	Role    ledger.Role    `json:"role"`
	Address common.Address `json:"address"`
	Granted bool           `json:"granted"`
}

type quoterRequest struct {
	Router common.Address `json:"router"`
	Quoter common.Address `json:"quoter"`
}

type amountResponse struct {
	ID      string `json:"id"`
	FeeTier uint32 `json:"fee_tier"`
	Amount  string `json:"amount"`
}

// --------- views ---------

func (s *Server) listPockets(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	var filter orchestrator.PocketFilter
	if raw := r.URL.Query().Get("owner"); raw != "" {
		if !common.IsHexAddress(raw) {
			s.writeFailure(w, "listPockets", fmt.Errorf("%w: owner %q", errs.ErrInvalidParams, raw))
			return
		}
		filter.Owner = common.HexToAddress(raw)
	}
	status, ok := model.ParseStatus(r.URL.Query().Get("status"))
	if !ok {
		s.writeFailure(w, "listPockets", fmt.Errorf("%w: status %q", errs.ErrInvalidParams, r.URL.Query().Get("status")))
		return
	}
	filter.Status = status

	pockets, err := s.orch.ListPockets(ctx, filter)
	if err != nil {
		s.writeFailure(w, "listPockets", err)
		return
	}
	if pockets == nil {
		pockets = []*model.Pocket{}
	}
	writeJSON(w, http.StatusOK, pockets)
}

func (s *Server) getPocket(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	p, err := s.orch.GetPocket(ctx, mux.Vars(r)["id"])
	if err != nil {
		s.writeFailure(w, "getPocket", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) getStopConditions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	conds, err := s.orch.GetStopConditions(ctx, mux.Vars(r)["id"])
	if err != nil {
		s.writeFailure(w, "getStopConditions", err)
		return
	}
	if conds == nil {
		conds = []model.StopCondition{}
	}
	writeJSON(w, http.StatusOK, conds)
}

func (s *Server) getTradingInfo(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	info, err := s.orch.GetTradingInfo(ctx, mux.Vars(r)["id"])
	if err != nil {
		s.writeFailure(w, "getTradingInfo", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// /api/pockets/{id}/quote: target received for one batch at current prices
func (s *Server) getQuote(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	id := mux.Vars(r)["id"]
	fee, err := s.feeTierParam(r)
	if err != nil {
		s.writeFailure(w, "quoteBatch", err)
		return
	}
	out, err := s.orch.QuoteBatch(ctx, id, fee)
	if err != nil {
		s.writeFailure(w, "quoteBatch", err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{ID: id, FeeTier: fee, Amount: model.AmountString(out)})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	id := mux.Vars(r)["id"]
	fee, err := s.feeTierParam(r)
	if err != nil {
		s.writeFailure(w, "stats", err)
		return
	}
	p, err := s.orch.GetPocket(ctx, id)
	if err != nil {
		s.writeFailure(w, "stats", err)
		return
	}
	baseDec, err := s.decimals(ctx, p.BaseToken)
	if err != nil {
		s.writeFailure(w, "stats", err)
		return
	}
	targetDec, err := s.decimals(ctx, p.TargetToken)
	if err != nil {
		s.writeFailure(w, "stats", err)
		return
	}

	value, err := s.orch.QuotePosition(ctx, id, fee)
	if err != nil {
		s.logger.Debug("position not priced", zap.String("pocket", id), zap.Error(err))
		value = nil
	}
	writeJSON(w, http.StatusOK, stats.Compute(p, baseDec, targetDec, value))
}

func (s *Server) decimals(ctx context.Context, token common.Address) (uint8, error) {
	if s.tokens == nil {
		return 18, nil
	}
	return s.tokens.Decimals(ctx, token)
}

func (s *Server) getWhitelisted(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	addr, err := addressVar(r, "address")
	if err != nil {
		s.writeFailure(w, "isWhitelisted", err)
		return
	}
	ok, err := s.orch.IsWhitelisted(ctx, addr)
	if err != nil {
		s.writeFailure(w, "isWhitelisted", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr, "whitelisted": ok})
}

func (s *Server) getRole(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	addr, err := addressVar(r, "address")
	if err != nil {
		s.writeFailure(w, "hasRole", err)
		return
	}
	role := ledger.Role(mux.Vars(r)["role"])
	ok, err := s.orch.HasRole(ctx, role, addr)
	if err != nil {
		s.writeFailure(w, "hasRole", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": role, "address": addr, "granted": ok})
}

func (s *Server) getMethods(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, orchestrator.Methods())
}

// --------- signed operations ---------

// respond writes the pocket an operation produced, or its failure.
func (s *Server) respond(w http.ResponseWriter, op string, status int, p *model.Pocket, err error) {
	if err != nil {
		s.writeFailure(w, op, err)
		return
	}
	writeJSON(w, status, p)
}

func (s *Server) createPocket(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	var req createRequest
	if err := decodeBody(body, &req); err != nil {
		s.writeFailure(w, "createPocket", err)
		return
	}

	var (
		p   *model.Pocket
		err error
	)
	switch {
	case req.Amount != nil && req.Value != nil:
		err = fmt.Errorf("%w: amount and value are exclusive", errs.ErrInvalidParams)
	case req.Amount != nil:
		p, err = s.orch.CreatePocketAndDepositToken(ctx, caller, req.CreatePocketParams, req.Amount)
	case req.Value != nil:
		p, err = s.orch.CreatePocketAndDepositEther(ctx, caller, req.CreatePocketParams, req.Funding, req.Value)
	default:
		p, err = s.orch.CreatePocket(ctx, caller, req.CreatePocketParams)
	}
	s.respond(w, "createPocket", http.StatusCreated, p, err)
}

func (s *Server) updatePocket(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	var params orchestrator.UpdatePocketParams
	if err := decodeBody(body, &params); err != nil {
		s.writeFailure(w, "updatePocket", err)
		return
	}
	params.ID = mux.Vars(r)["id"]
	p, err := s.orch.UpdatePocket(ctx, caller, params)
	s.respond(w, "updatePocket", http.StatusOK, p, err)
}

func (s *Server) depositToken(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	var req amountRequest
	if err := decodeBody(body, &req); err != nil {
		s.writeFailure(w, "depositToken", err)
		return
	}
	p, err := s.orch.DepositToken(ctx, caller, mux.Vars(r)["id"], req.Amount)
	s.respond(w, "depositToken", http.StatusOK, p, err)
}

func (s *Server) depositEther(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	var req valueRequest
	if err := decodeBody(body, &req); err != nil {
		s.writeFailure(w, "depositEther", err)
		return
	}
	p, err := s.orch.DepositEther(ctx, caller, mux.Vars(r)["id"], req.Funding, req.Value)
	s.respond(w, "depositEther", http.StatusOK, p, err)
}

func (s *Server) pausePocket(w http.ResponseWriter, r *http.Request, caller common.Address, _ []byte) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()
	p, err := s.orch.PausePocket(ctx, caller, mux.Vars(r)["id"])
	s.respond(w, "pausePocket", http.StatusOK, p, err)
}

func (s *Server) restartPocket(w http.ResponseWriter, r *http.Request, caller common.Address, _ []byte) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()
	p, err := s.orch.RestartPocket(ctx, caller, mux.Vars(r)["id"])
	s.respond(w, "restartPocket", http.StatusOK, p, err)
}

func (s *Server) closePocket(w http.ResponseWriter, r *http.Request, caller common.Address, _ []byte) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()
	p, err := s.orch.ClosePocket(ctx, caller, mux.Vars(r)["id"])
	s.respond(w, "closePocket", http.StatusOK, p, err)
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request, caller common.Address, _ []byte) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()
	p, err := s.orch.Withdraw(ctx, caller, mux.Vars(r)["id"])
	s.respond(w, "withdraw", http.StatusOK, p, err)
}

func (s *Server) decodeSwap(body []byte) (swapRequest, error) {
	req := swapRequest{FeeTier: s.feeTier}
	if len(body) == 0 {
		return req, nil
	}
	if err := decodeBody(body, &req); err != nil {
		return req, err
	}
	return req, nil
}

func (s *Server) closePosition(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	req, err := s.decodeSwap(body)
	if err != nil {
		s.writeFailure(w, "closePosition", err)
		return
	}
	p, err := s.orch.ClosePosition(ctx, caller, mux.Vars(r)["id"], req.FeeTier, req.MinAmountOut)
	s.respond(w, "closePosition", http.StatusOK, p, err)
}

func (s *Server) tryMakingDCASwap(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	req, err := s.decodeSwap(body)
	if err != nil {
		s.writeFailure(w, "tryMakingDCASwap", err)
		return
	}
	p, err := s.orch.TryMakingDCASwap(ctx, caller, mux.Vars(r)["id"], req.FeeTier, req.MinAmountOut)
	s.respond(w, "tryMakingDCASwap", http.StatusOK, p, err)
}

func (s *Server) tryClosingPosition(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	req, err := s.decodeSwap(body)
	if err != nil {
		s.writeFailure(w, "tryClosingPosition", err)
		return
	}
	p, err := s.orch.TryClosingPosition(ctx, caller, mux.Vars(r)["id"], req.FeeTier, req.MinAmountOut)
	s.respond(w, "tryClosingPosition", http.StatusOK, p, err)
}

func (s *Server) multicall(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	var calls []orchestrator.Call
	if err := decodeBody(body, &calls); err != nil {
		s.writeFailure(w, "multicall", err)
		return
	}
	results, err := s.orch.Multicall(ctx, caller, calls)
	if err != nil {
		s.writeFailure(w, "multicall", err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// --------- admin ---------

func (s *Server) whitelist(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	var req whitelistRequest
	if err := decodeBody(body, &req); err != nil {
		s.writeFailure(w, "whitelistAddress", err)
		return
	}
	if err := s.orch.WhitelistAddress(ctx, caller, req.Address, req.Allowed); err != nil {
		s.writeFailure(w, "whitelistAddress", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) setRole(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	var req roleRequest
	if err := decodeBody(body, &req); err != nil {
		s.writeFailure(w, "setRole", err)
		return
	}
	var err error
	if req.Granted {
		err = s.orch.GrantRole(ctx, caller, req.Role, req.Address)
	} else {
		err = s.orch.RevokeRole(ctx, caller, req.Role, req.Address)
	}
	if err != nil {
		s.writeFailure(w, "setRole", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) setQuoter(w http.ResponseWriter, r *http.Request, caller common.Address, body []byte) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	var req quoterRequest
	if err := decodeBody(body, &req); err != nil {
		s.writeFailure(w, "setQuoter", err)
		return
	}
	if err := s.orch.SetQuoter(ctx, caller, req.Router, req.Quoter); err != nil {
		s.writeFailure(w, "setQuoter", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
