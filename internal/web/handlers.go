package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/vitos/signal_ladder/internal/domain"
	"github.com/vitos/signal_ladder/internal/usecase"
	"go.uber.org/zap"
)

// userHeader carries the acting user; authentication happens upstream.
const userHeader = "X-User-ID"

type proposalRequest struct {
	Label        string  `json:"label"`
	Price        float64 `json:"price"`
	ClosePercent float64 `json:"close_percent"`
	Kind         string  `json:"kind"`
	Note         string  `json:"note"`
}

func (p proposalRequest) proposal() usecase.Proposal {
	return usecase.Proposal{
		Label:        p.Label,
		Price:        p.Price,
		ClosePercent: p.ClosePercent,
		Kind:         domain.UpdateKind(strings.ToLower(strings.TrimSpace(p.Kind))),
		Note:         p.Note,
	}
}

type submitLadderRequest struct {
	Rows   []proposalRequest `json:"rows"`
	LockID string            `json:"lock_id"`
}

type createSignalRequest struct {
	ID         string  `json:"id"`
	Symbol     string  `json:"symbol"`
	Category   string  `json:"category"`
	Direction  string  `json:"direction"`
	EntryPrice float64 `json:"entry_price"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	MarketMode string  `json:"market_mode"`
}

type openTradeRequest struct {
	UserID      string  `json:"user_id"`
	RiskAmount  float64 `json:"risk_amount"`
	RiskPercent float64 `json:"risk_percent"`
}

type priceRequest struct {
	Price float64 `json:"price"`
}

func (s *Server) handleCreateSignal(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	if actor == "" {
		s.writeError(w, fmt.Errorf("missing %s: %w", userHeader, domain.ErrForbidden))
		return
	}
	var req createSignalRequest
	if !s.decode(w, r, &req) {
		return
	}

	sig := &domain.Signal{
		ID:         req.ID,
		Symbol:     strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Category:   req.Category,
		Direction:  domain.Direction(strings.ToUpper(req.Direction)),
		EntryPrice: req.EntryPrice,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		MarketMode: domain.MarketMode(strings.ToLower(req.MarketMode)),
		CreatedBy:  actor,
	}
	if err := s.service.CreateSignal(r.Context(), sig); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sig)
}

func (s *Server) handleOpenTrade(w http.ResponseWriter, r *http.Request) {
	var req openTradeRequest
	if !s.decode(w, r, &req) {
		return
	}
	user := req.UserID
	if user == "" {
		user = actorOf(r)
	}
	if user == "" {
		s.badRequest(w, "user_id is required")
		return
	}

	trade, err := s.service.OpenTrade(r.Context(), user, mux.Vars(r)["id"], req.RiskAmount, req.RiskPercent)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trade)
}

func (s *Server) handleLadder(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.LadderView(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSubmitLadder(w http.ResponseWriter, r *http.Request) {
	var req submitLadderRequest
	if !s.decode(w, r, &req) {
		return
	}
	rows := make([]usecase.Proposal, len(req.Rows))
	for i, p := range req.Rows {
		rows[i] = p.proposal()
	}

	updates, err := s.service.SubmitLadder(r.Context(), actorOf(r), mux.Vars(r)["id"], rows, req.LockID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"updates": updates})
}

func (s *Server) handleEditUpdate(w http.ResponseWriter, r *http.Request) {
	var req proposalRequest
	if !s.decode(w, r, &req) {
		return
	}
	u, err := s.service.EditPendingUpdate(r.Context(), actorOf(r), mux.Vars(r)["id"], req.proposal())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleDeleteUpdate(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeletePendingUpdate(r.Context(), actorOf(r), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecordTrigger(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.service.RecordTrigger(r.Context(), id, req.Price); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"update_id": id, "price": req.Price})
}

func (s *Server) handlePromoteBreakeven(w http.ResponseWriter, r *http.Request) {
	sig, err := s.service.PromoteBreakeven(r.Context(), actorOf(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

func (s *Server) handleStopOut(w http.ResponseWriter, r *http.Request) {
	sig, err := s.ownedSignal(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req priceRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	closed, err := s.service.CloseOnStop(r.Context(), sig.ID, req.Price)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closed)
}

func (s *Server) handleQuoteLock(w http.ResponseWriter, r *http.Request) {
	sig, err := s.ownedSignal(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	lock, err := s.quotes.Lock(r.Context(), sig)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lock)
}

type quoteUpdate struct {
	Lock  *usecase.QuoteLock `json:"lock,omitempty"`
	Error string             `json:"error,omitempty"`
}

// handleQuoteWatch streams a fresh quote lock every refresh interval while a
// market close form is open. The client submits whichever lock it last saw.
func (s *Server) handleQuoteWatch(w http.ResponseWriter, r *http.Request) {
	sig, err := s.ownedSignal(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !sig.IsLive() {
		s.writeError(w, fmt.Errorf("signal %s has no live market: %w", sig.ID, domain.ErrQuoteUnavailable))
		return
	}

	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Quote watch upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := contextWithDisconnect(r, conn)
	defer cancel()

	s.quotes.Watch(ctx, sig, s.refresh, func(lock usecase.QuoteLock, err error) {
		msg := quoteUpdate{}
		if err != nil {
			msg.Error = err.Error()
		} else {
			msg.Lock = &lock
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if werr := conn.WriteJSON(msg); werr != nil {
			cancel()
		}
	})
}

func (s *Server) handleTradeExposure(w http.ResponseWriter, r *http.Request) {
	exp, err := s.service.TradeExposure(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	if s.worker == nil {
		writeJSON(w, http.StatusOK, map[string]any{"drift": []usecase.DriftEntry{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"drift":      s.worker.Drift(),
		"checked_at": s.worker.LastUpdate(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":     "ok",
		"ws_clients": s.hub.Clients(),
	}
	if s.worker != nil {
		status["last_recompute"] = s.worker.LastUpdate()
		status["drifting_trades"] = len(s.worker.Drift())
	}
	writeJSON(w, http.StatusOK, status)
}

// ownedSignal loads the signal named in the path and checks the actor owns it.
func (s *Server) ownedSignal(r *http.Request) (*domain.Signal, error) {
	sig, err := s.signals.GetSignal(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, err
	}
	if actor := actorOf(r); actor == "" || actor != sig.CreatedBy {
		return nil, fmt.Errorf("actor %q on signal %s: %w", actor, sig.ID, domain.ErrForbidden)
	}
	if !sig.IsOpen() {
		return nil, fmt.Errorf("signal %s: %w", sig.ID, domain.ErrSignalClosed)
	}
	return sig, nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.badRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func actorOf(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(userHeader))
}

// contextWithDisconnect returns a context cancelled when the request ends or
// the websocket peer goes away.
func contextWithDisconnect(r *http.Request, conn *websocket.Conn) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()
	return ctx, cancel
}
