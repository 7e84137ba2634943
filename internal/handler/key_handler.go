// Package handler はHTTPハンドラを提供する。
package handler

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"pairlet-service/internal/domain"
	"pairlet-service/internal/middleware"
	"pairlet-service/internal/usecase"
	"pairlet-service/pkg/httputil"
)

var deviceIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxReasonLength = 255

// KeyHandler は鍵管理APIのHTTPハンドラ。
type KeyHandler struct {
	service *usecase.KeyService
}

// NewKeyHandler は新しいKeyHandlerを生成する。
func NewKeyHandler(service *usecase.KeyService) *KeyHandler {
	return &KeyHandler{service: service}
}

func validateDeviceID(deviceID string) error {
	if deviceID == "" || len(deviceID) > 64 || !deviceIDRegex.MatchString(deviceID) {
		return domain.ErrInvalidDeviceID
	}
	return nil
}

func validateGeneration(genStr string) (uint, error) {
	gen, err := strconv.ParseUint(genStr, 10, 32)
	if err != nil || gen < 1 {
		return 0, domain.ErrInvalidGeneration
	}
	return uint(gen), nil
}

// KeyMetadataResponse は鍵メタデータのレスポンス形式。
type KeyMetadataResponse struct {
	DeviceID           string  `json:"device_id"`
	Generation         uint    `json:"generation"`
	Status             string  `json:"status"`
	Quality            float64 `json:"quality"`
	VerificationHash   string  `json:"verification_hash"`
	ActivatedAt        string  `json:"activated_at"`
	DeactivatedAt      *string `json:"deactivated_at,omitempty"`
	DeactivationReason string  `json:"deactivation_reason,omitempty"`
}

// KeyResponse は鍵のレスポンス形式。
type KeyResponse struct {
	DeviceID   string `json:"device_id"`
	Generation uint   `json:"generation"`
	Key        string `json:"key"`
}

// KeyListResponse は鍵一覧のレスポンス形式。
type KeyListResponse struct {
	Keys []KeyMetadataResponse `json:"keys"`
}

// InvalidateRequest は鍵失効のリクエスト形式。
type InvalidateRequest struct {
	Reason string `json:"reason"`
}

// RecoveryResponse は鍵復旧状態のレスポンス形式。
type RecoveryResponse struct {
	DeviceID    string  `json:"device_id"`
	Status      string  `json:"status"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"max_attempts"`
	LockedOut   bool    `json:"locked_out"`
	StartedAt   *string `json:"started_at,omitempty"`
}

func toMetadataResponse(m *domain.KeyMetadata) KeyMetadataResponse {
	resp := KeyMetadataResponse{
		DeviceID:           m.DeviceID,
		Generation:         m.Generation,
		Status:             string(m.Status),
		Quality:            m.Quality,
		VerificationHash:   hex.EncodeToString(m.VerificationHash),
		ActivatedAt:        m.ActivatedAt.Format(time.RFC3339),
		DeactivationReason: m.DeactivationReason,
	}
	if m.DeactivatedAt != nil {
		s := m.DeactivatedAt.Format(time.RFC3339)
		resp.DeactivatedAt = &s
	}
	return resp
}

// deviceIDParam はURLのdevice_idを検証して返す。不正な場合は400を返してfalse。
func deviceIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	deviceID := chi.URLParam(r, "device_id")
	if err := validateDeviceID(deviceID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_DEVICE_ID", "invalid device ID format")
		return "", false
	}
	return deviceID, true
}

// ListKeys は鍵履歴のメタデータを新しい世代順に返す。
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	keys, err := h.service.ListKeys(r.Context(), deviceID)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "LIST_KEYS", deviceID, 0, middleware.ResultFailed)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	middleware.WriteAuditLog(r.Context(), "LIST_KEYS", deviceID, 0, middleware.ResultSuccess)
	response := KeyListResponse{
		Keys: make([]KeyMetadataResponse, len(keys)),
	}
	for i, k := range keys {
		response.Keys[i] = toMetadataResponse(k)
	}
	httputil.JSON(w, http.StatusOK, response)
}

// GetActiveKey は現在有効な鍵を返す。
func (h *KeyHandler) GetActiveKey(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	key, err := h.service.GetActiveKey(r.Context(), deviceID)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "GET_ACTIVE_KEY", deviceID, 0, middleware.ResultFailed)
		if errors.Is(err, domain.ErrKeyNotFound) {
			httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "no active key for this device")
			return
		}
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	middleware.WriteAuditLog(r.Context(), "GET_ACTIVE_KEY", deviceID, key.Generation, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, KeyResponse{
		DeviceID:   key.DeviceID,
		Generation: key.Generation,
		Key:        base64.StdEncoding.EncodeToString(key.Key),
	})
}

// GetKeyByGeneration は指定された世代の鍵を返す。
func (h *KeyHandler) GetKeyByGeneration(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := deviceIDParam(w, r)
	if !ok {
		return
	}
	generation, err := validateGeneration(chi.URLParam(r, "generation"))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_GENERATION", "invalid generation number")
		return
	}

	key, err := h.service.GetKeyByGeneration(r.Context(), deviceID, generation)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "GET_KEY_BY_GENERATION", deviceID, generation, middleware.ResultFailed)
		switch {
		case errors.Is(err, domain.ErrKeyNotFound):
			httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "key not found for this device and generation")
		case errors.Is(err, domain.ErrKeyInvalidated):
			httputil.Error(w, http.StatusGone, "KEY_INVALIDATED", "key has been invalidated")
		default:
			httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		}
		return
	}

	middleware.WriteAuditLog(r.Context(), "GET_KEY_BY_GENERATION", deviceID, generation, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, KeyResponse{
		DeviceID:   key.DeviceID,
		Generation: key.Generation,
		Key:        base64.StdEncoding.EncodeToString(key.Key),
	})
}

// InvalidateKey はアクティブ鍵を失効させる。
func (h *KeyHandler) InvalidateKey(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	var req InvalidateRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "request body must be {\"reason\": \"...\"}")
		return
	}
	if req.Reason == "" || len(req.Reason) > maxReasonLength {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REASON", "reason must be 1-255 characters")
		return
	}

	metadata, err := h.service.InvalidateKey(r.Context(), deviceID, req.Reason)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "INVALIDATE_KEY", deviceID, 0, middleware.ResultFailed)
		switch {
		case errors.Is(err, domain.ErrUnknownDevice):
			httputil.Error(w, http.StatusNotFound, "UNKNOWN_DEVICE", "device is not served by this instance")
		case errors.Is(err, domain.ErrKeyNotFound):
			httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "no active key for this device")
		default:
			httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		}
		return
	}

	middleware.WriteAuditLog(r.Context(), "INVALIDATE_KEY", deviceID, metadata.Generation, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, toMetadataResponse(metadata))
}

// GetRecoveryStatus は鍵復旧の状態を返す。
func (h *KeyHandler) GetRecoveryStatus(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := deviceIDParam(w, r)
	if !ok {
		return
	}

	info, err := h.service.RecoveryStatus(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownDevice) {
			httputil.Error(w, http.StatusNotFound, "UNKNOWN_DEVICE", "device is not served by this instance")
			return
		}
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	resp := RecoveryResponse{
		DeviceID:    info.DeviceID,
		Status:      info.Status,
		Attempts:    info.Attempts,
		MaxAttempts: info.MaxAttempts,
		LockedOut:   info.LockedOut,
	}
	if info.StartedAt != nil {
		s := info.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &s
	}
	httputil.JSON(w, http.StatusOK, resp)
}
