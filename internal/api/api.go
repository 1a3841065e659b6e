package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/listener"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/service"
	"github.com/olehkaliuzhnyi/deposit-watcher/pkg/models"
	log "github.com/sirupsen/logrus"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Wallet is the service surface exposed over HTTP.
type Wallet interface {
	RevealNextAddress(ctx context.Context) (*models.AddressRecord, error)
	GetBalance(ctx context.Context, address string) (*big.Int, error)
	GetHistoricalDeposits(ctx context.Context, address string, from, to *uint64) ([]models.TransferRecord, error)
	StartSync(ctx context.Context) (*service.SyncHandle, bool, error)
	StopSync(ctx context.Context) error
	SyncStatus() *service.SyncHandle
	PublishTestEvents(ctx context.Context, events []models.ChainEvent) error
}

// Handler serves the wallet's HTTP routes.
type Handler struct {
	wallet  Wallet
	metrics http.Handler
	logger  *log.Entry
}

func NewHandler(w Wallet, metrics http.Handler) *Handler {
	return &Handler{
		wallet:  w,
		metrics: metrics,
		logger:  log.WithField("component", "api"),
	}
}

// Router builds the chi router with all routes registered.
func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/balance/{address}", h.handleBalance)
	r.Get("/new-address", h.handleNewAddress)
	r.Post("/address-deposits", h.handleAddressDeposits)
	r.Post("/test/pub-deposits", h.handleTestPubDeposits)

	r.Route("/sync", func(r chi.Router) {
		r.Get("/", h.handleSyncStatus)
		r.Post("/start", h.handleSyncStart)
		r.Post("/stop", h.handleSyncStop)
	})

	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	return r
}

type balanceResponse struct {
	Success bool    `json:"success"`
	Balance string  `json:"balance"`
	Error   *string `json:"error"`
}

type addressResponse struct {
	Success bool    `json:"success"`
	Address string  `json:"address"`
	Index   uint32  `json:"index,omitempty"`
	Error   *string `json:"error"`
}

type addressDepositsRequest struct {
	Address    string  `json:"address"`
	StartBlock *uint64 `json:"start_block"`
	EndBlock   *uint64 `json:"end_block"`
}

type addressDepositsResponse struct {
	Deposits []models.TransferRecord `json:"deposits"`
	Error    *string                 `json:"error,omitempty"`
}

// testPubRequest carries deposit tuples [address, amount, block_number, tx_hash, log_index].
type testPubRequest struct {
	Actions []models.Deposit `json:"actions"`
}

type resultResponse struct {
	Success bool    `json:"success"`
	Error   *string `json:"error"`
}

type syncResponse struct {
	Success   bool       `json:"success"`
	Running   bool       `json:"running"`
	Started   bool       `json:"started,omitempty"`
	SyncID    string     `json:"sync_id,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Error     *string    `json:"error"`
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	balance, err := h.wallet.GetBalance(r.Context(), address)
	if err != nil {
		h.logger.WithError(err).WithField("address", address).Warn("balance lookup failed")
		writeJSON(w, statusFor(err), balanceResponse{Balance: "0", Error: errText(err)})
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Success: true, Balance: balance.String()})
}

func (h *Handler) handleNewAddress(w http.ResponseWriter, r *http.Request) {
	rec, err := h.wallet.RevealNextAddress(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("reveal address failed")
		msg := "error getting new address"
		writeJSON(w, http.StatusInternalServerError, addressResponse{Error: &msg})
		return
	}
	writeJSON(w, http.StatusOK, addressResponse{Success: true, Address: rec.Address, Index: rec.Index})
}

func (h *Handler) handleAddressDeposits(w http.ResponseWriter, r *http.Request) {
	var req addressDepositsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, addressDepositsResponse{Deposits: []models.TransferRecord{}, Error: errText(err)})
		return
	}

	deposits, err := h.wallet.GetHistoricalDeposits(r.Context(), req.Address, req.StartBlock, req.EndBlock)
	if err != nil {
		h.logger.WithError(err).WithField("address", req.Address).Warn("deposit history failed")
		writeJSON(w, statusFor(err), addressDepositsResponse{Deposits: []models.TransferRecord{}, Error: errText(err)})
		return
	}
	if deposits == nil {
		deposits = []models.TransferRecord{}
	}
	writeJSON(w, http.StatusOK, addressDepositsResponse{Deposits: deposits})
}

func (h *Handler) handleTestPubDeposits(w http.ResponseWriter, r *http.Request) {
	var req testPubRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, resultResponse{Error: errText(err)})
		return
	}

	events := make([]models.ChainEvent, 0, len(req.Actions))
	for _, d := range req.Actions {
		events = append(events, models.NewDeposit{Deposit: d})
	}
	if err := h.wallet.PublishTestEvents(r.Context(), events); err != nil {
		h.logger.WithError(err).Error("test publish failed")
		writeJSON(w, http.StatusInternalServerError, resultResponse{Error: errText(err)})
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{Success: true})
}

func (h *Handler) handleSyncStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, syncStatus(h.wallet.SyncStatus(), false))
}

func (h *Handler) handleSyncStart(w http.ResponseWriter, r *http.Request) {
	handle, started, err := h.wallet.StartSync(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("start sync failed")
		writeJSON(w, http.StatusBadGateway, syncResponse{Error: errText(err)})
		return
	}
	writeJSON(w, http.StatusOK, syncStatus(handle, started))
}

func (h *Handler) handleSyncStop(w http.ResponseWriter, r *http.Request) {
	err := h.wallet.StopSync(r.Context())
	if err != nil && !errors.Is(err, service.ErrSyncNotRunning) {
		h.logger.WithError(err).Error("stop sync failed")
		writeJSON(w, http.StatusInternalServerError, syncResponse{Error: errText(err)})
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{Success: true})
}

func syncStatus(handle *service.SyncHandle, started bool) syncResponse {
	resp := syncResponse{Success: true, Started: started}
	if handle != nil {
		at := handle.StartedAt
		resp.Running = true
		resp.SyncID = handle.ID
		resp.StartedAt = &at
	}
	return resp
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request served")
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("write response failed")
	}
}

func statusFor(err error) int {
	if errors.Is(err, service.ErrInvalidAddress) || errors.Is(err, listener.ErrInvalidRange) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func errText(err error) *string {
	s := err.Error()
	return &s
}
