package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/septivank/router-secrets-worker/internal/db"
	"github.com/septivank/router-secrets-worker/internal/logging"
	"github.com/septivank/router-secrets-worker/internal/reconcile"
	"github.com/septivank/router-secrets-worker/internal/routeros"
	"github.com/septivank/router-secrets-worker/internal/service"
	"github.com/septivank/router-secrets-worker/internal/validator"
	"go.uber.org/zap"
)

type accountResponse struct {
	ID              uuid.UUID        `json:"id"`
	RouterID        uuid.UUID        `json:"router_id"`
	Username        string           `json:"username"`
	Status          db.AccountStatus `json:"status"`
	Source          db.AccountSource `json:"source"`
	ActivatedAt     time.Time        `json:"activated_at"`
	ExpiryAt        *time.Time       `json:"expiry_at"`
	ImportedAt      *time.Time       `json:"imported_at,omitempty"`
	LastRechargedAt *time.Time       `json:"last_recharged_at,omitempty"`
	SpeedPlanID     *uuid.UUID       `json:"speed_plan_id,omitempty"`
}

type speedPlanResponse struct {
	ID           uuid.UUID `json:"id"`
	RouterID     uuid.UUID `json:"router_id"`
	Name         string    `json:"name"`
	DownloadKbps int       `json:"download_kbps"`
	UploadKbps   int       `json:"upload_kbps"`
	Description  string    `json:"description,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

func toSpeedPlanResponse(p *db.SpeedPlan) speedPlanResponse {
	return speedPlanResponse{
		ID:           p.ID,
		RouterID:     p.RouterID,
		Name:         p.Name,
		DownloadKbps: p.DownloadKbps,
		UploadKbps:   p.UploadKbps,
		Description:  p.Description,
		Active:       p.Active,
		CreatedAt:    p.CreatedAt,
	}
}

func toAccountResponse(a *db.Account) accountResponse {
	return accountResponse{
		ID:              a.ID,
		RouterID:        a.RouterID,
		Username:        a.Username,
		Status:          a.Status,
		Source:          a.Source,
		ActivatedAt:     a.ActivatedAt,
		ExpiryAt:        a.ExpiryAt,
		ImportedAt:      a.ImportedAt,
		LastRechargedAt: a.LastRechargedAt,
		SpeedPlanID:     a.SpeedPlanID,
	}
}

// HandleHealth reports liveness
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleTestTarget tests connection parameters that are not stored yet
func (s *Server) HandleTestTarget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address  string `json:"address"`
		Port     int    `json:"port"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Port == 0 {
		req.Port = s.cfg.DefaultRouterPort
	}

	res, err := s.accounts.TestTarget(r.Context(), routeros.Target{
		Name:     req.Address,
		Address:  req.Address,
		Port:     req.Port,
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondResult(w, res)
}

// HandleTestRouter tests a stored router and records its status
func (s *Server) HandleTestRouter(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	res, err := s.accounts.TestConnection(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondResult(w, res)
}

// HandleImportScan lists router secrets not yet known locally
func (s *Server) HandleImportScan(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	scan, err := s.sync.ScanImport(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, scan)
}

// HandleImportSave commits the operator's import selections
func (s *Server) HandleImportSave(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Selections []struct {
			Username string  `json:"username"`
			ExpiryAt *string `json:"expiry_at"`
		} `json:"selections"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	selections := make([]reconcile.Selection, 0, len(req.Selections))
	for _, sel := range req.Selections {
		out := reconcile.Selection{Username: sel.Username}
		if sel.ExpiryAt != nil && *sel.ExpiryAt != "" {
			t, err := s.validator.ParseExpiry(*sel.ExpiryAt)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			out.ExpiryAt = &t
		}
		selections = append(selections, out)
	}

	summary, err := s.sync.SaveImport(r.Context(), id, selections)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

// HandleResync reconciles a router into the local store
func (s *Server) HandleResync(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	summary, err := s.sync.Resync(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

// HandleCreateAccount creates an account on its router and locally
func (s *Server) HandleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RouterID     uuid.UUID `json:"router_id"`
		Username     string    `json:"username"`
		Password     string    `json:"password"`
		ExpiryAt     *string   `json:"expiry_at"`
		DownloadKbps *int       `json:"download_kbps"`
		UploadKbps   *int       `json:"upload_kbps"`
		SpeedPlanID  *uuid.UUID `json:"speed_plan_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	in := service.CreateAccountInput{
		RouterID:    req.RouterID,
		Username:    req.Username,
		Password:    req.Password,
		SpeedPlanID: req.SpeedPlanID,
	}
	if req.ExpiryAt != nil && *req.ExpiryAt != "" {
		t, err := s.validator.ParseExpiry(*req.ExpiryAt)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		in.ExpiryAt = &t
	}
	if req.DownloadKbps != nil || req.UploadKbps != nil {
		in.RateLimit = &routeros.RateLimit{}
		if req.DownloadKbps != nil {
			in.RateLimit.DownloadKbps = *req.DownloadKbps
		}
		if req.UploadKbps != nil {
			in.RateLimit.UploadKbps = *req.UploadKbps
		}
	}

	acc, err := s.accounts.CreateAccount(r.Context(), in)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, toAccountResponse(acc))
}

// HandleToggle enables or disables an account
func (s *Server) HandleToggle(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		s.respondError(w, r, validationError("enabled is required"))
		return
	}

	acc, err := s.accounts.SetEnabled(r.Context(), id, *req.Enabled)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toAccountResponse(acc))
}

// HandleRecharge extends an account's expiry. The body is optional.
func (s *Server) HandleRecharge(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Days *int `json:"days"`
	}
	if !s.decodeOptional(w, r, &req) {
		return
	}

	result, err := s.accounts.Recharge(r.Context(), id, req.Days)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"account":  toAccountResponse(result.Account),
		"recharge": result,
	})
}

// HandleUpdateExpiry sets or clears an account's expiry
func (s *Server) HandleUpdateExpiry(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		ExpiryAt *string `json:"expiry_at"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	var expiry *time.Time
	if req.ExpiryAt != nil && *req.ExpiryAt != "" {
		t, err := s.validator.ParseExpiry(*req.ExpiryAt)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		expiry = &t
	}

	acc, err := s.accounts.UpdateExpiry(r.Context(), id, expiry)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toAccountResponse(acc))
}

// HandleChangePassword replaces an account's secret
func (s *Server) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	acc, err := s.accounts.ChangePassword(r.Context(), id, req.Password)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toAccountResponse(acc))
}

// HandleListSpeedPlans lists a router's speed plans
func (s *Server) HandleListSpeedPlans(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	plans, err := s.accounts.ListSpeedPlans(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]speedPlanResponse, 0, len(plans))
	for i := range plans {
		out = append(out, toSpeedPlanResponse(&plans[i]))
	}
	s.respondJSON(w, http.StatusOK, out)
}

// HandleCreateSpeedPlan adds a speed plan to a router
func (s *Server) HandleCreateSpeedPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Name         string `json:"name"`
		DownloadKbps int    `json:"download_kbps"`
		UploadKbps   int    `json:"upload_kbps"`
		Description  string `json:"description"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	plan, err := s.accounts.CreateSpeedPlan(r.Context(), service.SpeedPlanInput{
		RouterID:    id,
		Name:        req.Name,
		Limit:       routeros.RateLimit{DownloadKbps: req.DownloadKbps, UploadKbps: req.UploadKbps},
		Description: req.Description,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, toSpeedPlanResponse(plan))
}

// HandleDeleteSpeedPlan removes a speed plan no account uses
func (s *Server) HandleDeleteSpeedPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.accounts.DeleteSpeedPlan(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, validationError("invalid id"))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.respondError(w, r, validationError("invalid request body"))
		return false
	}
	return true
}

func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	s.respondError(w, r, validationError("invalid request body"))
	return false
}

func validationError(msg string) error {
	return &inputError{msg: msg}
}

type inputError struct{ msg string }

func (e *inputError) Error() string { return e.msg }
func (e *inputError) Unwrap() error { return validator.ErrInvalid }

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

// respondResult writes a device result; failures map to 502
func (s *Server) respondResult(w http.ResponseWriter, res routeros.Result) {
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	s.respondJSON(w, status, res)
}

// respondError maps service errors to status codes
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var derr *service.DeviceError
	switch {
	case errors.As(err, &derr):
		s.respondJSON(w, http.StatusBadGateway, derr.Result)
	case errors.Is(err, validator.ErrInvalid):
		s.respondJSON(w, http.StatusBadRequest, errorBody(err))
	case errors.Is(err, db.ErrNotFound):
		s.respondJSON(w, http.StatusNotFound, errorBody(err))
	case errors.Is(err, db.ErrDuplicateUsername), errors.Is(err, db.ErrDuplicatePlanName), errors.Is(err, db.ErrPlanInUse):
		s.respondJSON(w, http.StatusConflict, errorBody(err))
	default:
		logging.WithRequestID(s.logger, middleware.GetReqID(r.Context())).Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		s.respondJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "internal error",
		})
	}
}

func errorBody(err error) map[string]any {
	return map[string]any{
		"success": false,
		"error":   err.Error(),
	}
}
