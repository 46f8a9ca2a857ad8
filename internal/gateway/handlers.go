package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/owliabot/owlia/internal/executor"
	"github.com/owliabot/owlia/pkg/models"
)

func readJSON(w http.ResponseWriter, r *http.Request, dest any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeErr(w, http.StatusBadRequest, ErrCodeBadRequest, "unreadable request body")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dest); err != nil {
		writeErr(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// --- pairing -------------------------------------------------------------

func (s *Server) handlePairRequest(w http.ResponseWriter, r *http.Request) {
	deviceID := r.Header.Get("X-Device-Id")
	if deviceID == "" {
		writeErr(w, http.StatusBadRequest, ErrCodeBadRequest, "X-Device-Id header required")
		return
	}
	req := models.PairingRequest{
		DeviceID:    deviceID,
		RequestedAt: time.Now().UTC(),
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
	}
	if err := s.store.CreatePending(r.Context(), req); err != nil {
		s.logger.Error("pairing request failed", "device", deviceID, "err", err)
		writeErr(w, http.StatusInternalServerError, ErrCodeInternal, "could not record pairing request")
		return
	}
	s.logger.Info("pairing requested", "device", deviceID, "ip", req.IP, "user_agent", req.UserAgent)
	s.recordGatewayEvent("pair_request")
	writeOK(w, http.StatusOK, map[string]any{"deviceId": deviceID, "status": "pending"})
}

// --- admin ---------------------------------------------------------------

func (s *Server) handleAdminToken(w http.ResponseWriter, r *http.Request) {
	token, expiresAt, err := s.jwt.Generate("gateway-admin")
	if err != nil {
		s.logger.Error("admin token mint failed", "err", err)
		writeErr(w, http.StatusInternalServerError, ErrCodeInternal, "could not mint admin token")
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"token": token, "expiresAt": expiresAt.UTC()})
}

type approveRequest struct {
	DeviceID string        `json:"deviceId"`
	Scope    *models.Scope `json:"scope,omitempty"`
}

func (s *Server) handleAdminApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeErr(w, http.StatusBadRequest, ErrCodeBadRequest, "deviceId required")
		return
	}
	scope := models.DefaultScope()
	if req.Scope != nil {
		scope = *req.Scope
		if !scope.Tools.Valid() {
			writeErr(w, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("unknown tool scope %q", scope.Tools))
			return
		}
	}
	token, device, err := s.store.Approve(r.Context(), req.DeviceID, scope)
	if err != nil {
		s.logger.Error("approve failed", "device", req.DeviceID, "err", err)
		writeErr(w, http.StatusInternalServerError, ErrCodeInternal, "could not approve device")
		return
	}
	s.logger.Info("device approved", "device", device.DeviceID, "scope_tools", scope.Tools)
	s.recordGatewayEvent("device_approved")
	writeOK(w, http.StatusOK, map[string]any{"deviceToken": token, "scope": device.Scope})
}

type deviceRequest struct {
	DeviceID string `json:"deviceId"`
}

func (s *Server) handleAdminRevoke(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeErr(w, http.StatusBadRequest, ErrCodeBadRequest, "deviceId required")
		return
	}
	if err := s.store.Revoke(r.Context(), req.DeviceID); err != nil {
		s.writeDeviceErr(w, req.DeviceID, err)
		return
	}
	s.logger.Info("device revoked", "device", req.DeviceID)
	s.recordGatewayEvent("device_revoked")
	writeOK(w, http.StatusOK, map[string]any{"deviceId": req.DeviceID, "revoked": true})
}

type scopeRequest struct {
	DeviceID string       `json:"deviceId"`
	Scope    models.Scope `json:"scope"`
}

func (s *Server) handleAdminScope(w http.ResponseWriter, r *http.Request) {
	var req scopeRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeErr(w, http.StatusBadRequest, ErrCodeBadRequest, "deviceId required")
		return
	}
	if !req.Scope.Tools.Valid() {
		writeErr(w, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("unknown tool scope %q", req.Scope.Tools))
		return
	}
	if err := s.store.UpdateScope(r.Context(), req.DeviceID, req.Scope); err != nil {
		s.writeDeviceErr(w, req.DeviceID, err)
		return
	}
	s.logger.Info("device scope updated", "device", req.DeviceID, "scope_tools", req.Scope.Tools)
	writeOK(w, http.StatusOK, map[string]any{"deviceId": req.DeviceID, "scope": req.Scope})
}

func (s *Server) handleAdminRotate(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeErr(w, http.StatusBadRequest, ErrCodeBadRequest, "deviceId required")
		return
	}
	token, err := s.store.RotateToken(r.Context(), req.DeviceID)
	if err != nil {
		s.writeDeviceErr(w, req.DeviceID, err)
		return
	}
	s.logger.Info("device token rotated", "device", req.DeviceID)
	s.recordGatewayEvent("token_rotated")
	writeOK(w, http.StatusOK, map[string]any{"deviceId": req.DeviceID, "deviceToken": token})
}

func (s *Server) handleAdminDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		s.logger.Error("list devices failed", "err", err)
		writeErr(w, http.StatusInternalServerError, ErrCodeInternal, "could not list devices")
		return
	}
	pending, err := s.store.ListPending(r.Context())
	if err != nil {
		s.logger.Error("list pending failed", "err", err)
		writeErr(w, http.StatusInternalServerError, ErrCodeInternal, "could not list pending pairings")
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"devices": devices, "pending": pending})
}

type createKeyRequest struct {
	Name string `json:"name"`
	TTL  string `json:"ttl,omitempty"`
}

func (s *Server) handleAdminKeys(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeErr(w, http.StatusBadRequest, ErrCodeBadRequest, "name required")
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		var err error
		if ttl, err = time.ParseDuration(req.TTL); err != nil {
			writeErr(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid ttl")
			return
		}
	}
	key, err := s.store.CreateAPIKey(r.Context(), req.Name, ttl)
	if err != nil {
		s.logger.Error("api key create failed", "err", err)
		writeErr(w, http.StatusInternalServerError, ErrCodeInternal, "could not create api key")
		return
	}
	s.logger.Info("api key created", "name", req.Name)
	writeOK(w, http.StatusOK, map[string]any{"apiKey": key, "name": req.Name})
}

func (s *Server) writeDeviceErr(w http.ResponseWriter, deviceID string, err error) {
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		writeErr(w, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("device %s not found", deviceID))
	case errors.Is(err, ErrDeviceRevoked):
		writeErr(w, http.StatusConflict, ErrCodeBadRequest, fmt.Sprintf("device %s is revoked", deviceID))
	default:
		s.logger.Error("device operation failed", "device", deviceID, "err", err)
		writeErr(w, http.StatusInternalServerError, ErrCodeInternal, "device operation failed")
	}
}

// --- commands ------------------------------------------------------------

type toolCommandRequest struct {
	Payload struct {
		ToolCalls []models.ToolCall `json:"toolCalls"`
	} `json:"payload"`
}

type toolCommandResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func (s *Server) handleCommandTool(w http.ResponseWriter, r *http.Request) {
	device := deviceFrom(r.Context())
	var req toolCommandRequest
	if !readJSON(w, r, &req) {
		return
	}
	calls := req.Payload.ToolCalls
	if len(calls) == 0 {
		writeErr(w, http.StatusBadRequest, ErrCodeBadRequest, "payload.toolCalls required")
		return
	}

	// Scope is checked for the whole batch before anything runs, so a
	// partially privileged batch executes nothing.
	for _, call := range calls {
		tool, _, ok := s.registry.Resolve(call.Name)
		if !ok {
			writeErr(w, http.StatusForbidden, ErrCodeUnknownTool, fmt.Sprintf("unknown tool %q", call.Name))
			return
		}
		if !device.Scope.Tools.Covers(tool.Security().Level) {
			writeErr(w, http.StatusForbidden, ErrCodeScopeTools,
				fmt.Sprintf("tool %q requires %s scope", call.Name, tool.Security().Level))
			return
		}
	}

	opts := executor.Options{
		SessionKey: models.SessionKey(models.ChannelHTTP, device.DeviceID),
		UserID:     device.DeviceID,
		Channel:    string(models.ChannelHTTP),
	}
	results := s.executor.ExecuteAll(r.Context(), calls, opts)

	out := make([]toolCommandResult, 0, len(results))
	for _, res := range results {
		item := toolCommandResult{
			ID:      res.ToolCallID,
			Name:    res.ToolName,
			Success: !res.IsError,
			Data:    res.Data,
		}
		if res.IsError {
			item.Error = res.Content
		} else {
			item.Content = res.Content
		}
		out = append(out, item)
	}
	s.recordGatewayEvent("tool_command")
	writeOK(w, http.StatusOK, map[string]any{"results": out})
}

type systemCommandRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleCommandSystem(w http.ResponseWriter, r *http.Request) {
	device := deviceFrom(r.Context())
	if !device.Scope.System {
		writeErr(w, http.StatusForbidden, ErrCodeScopeSystem, "device lacks system scope")
		return
	}
	var req systemCommandRequest
	if !readJSON(w, r, &req) {
		return
	}
	switch req.Action {
	case "status":
		devices, err := s.store.ListDevices(r.Context())
		if err != nil {
			writeErr(w, http.StatusInternalServerError, ErrCodeInternal, "status unavailable")
			return
		}
		writeOK(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
			"devices": len(devices),
		})
	case "ping":
		writeOK(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
	default:
		writeErr(w, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("unknown system action %q", req.Action))
	}
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	device := deviceFrom(r.Context())
	if !device.Scope.MCP {
		writeErr(w, http.StatusForbidden, ErrCodeScopeMCP, "device lacks mcp scope")
		return
	}
	writeErr(w, http.StatusNotImplemented, ErrCodeNotImplemented, "mcp passthrough is not implemented")
}

// --- health --------------------------------------------------------------

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}
