package api

import (
	"errors"
	"log/slog"
	"net/http"

	"apigate/internal/apperr"
	"apigate/internal/auth"
	"apigate/internal/models"
	"apigate/internal/storage"
)

// IssueAPIKey handles POST /api/account/api-key. The caller's current key is
// replaced and stops working immediately; the new raw key is returned once.
func (h *Handlers) IssueAPIKey(w http.ResponseWriter, r *http.Request) {
	account := auth.AccountFromContext(r.Context())

	issued, err := models.IssueAPIKey()
	if err != nil {
		h.writeAppError(w, apperr.NewInternalError("failed to generate key", err))
		return
	}

	if err := h.storage.IssueAPIKey(r.Context(), account.ID, issued.Hash, issued.Prefix, issued.CreatedAt); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			h.writeAppError(w, apperr.NewNotFoundError("Account not found", err))
		case errors.Is(err, storage.ErrConflict):
			// 256-bit keys do not collide; treat it as a server fault.
			h.writeAppError(w, apperr.NewInternalError("failed to issue key", err))
		default:
			h.writeAppError(w, apperr.NewStoreUnavailableError(err))
		}
		return
	}

	slog.Info("api key issued",
		"event", "security_audit",
		"action", "issue",
		"account_id", account.ID,
		"key_prefix", issued.Prefix,
		"previous_prefix", account.APIKeyPrefix,
	)

	writeJSON(w, http.StatusCreated, models.APIKeyIssuedResponse{
		Key:       issued.Raw,
		Prefix:    issued.Prefix,
		CreatedAt: issued.CreatedAt,
		Message:   "Store this key now. It will not be shown again.",
	})
}
