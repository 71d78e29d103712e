package api

import (
	"encoding/json"
	"io"
	"net/http"

	"apigate/internal/apperr"
	"apigate/internal/auth"
	"apigate/internal/models"
)

type twoFactorCodeRequest struct {
	Code string `json:"code"`
}

// decodeCode reads {"code": "..."}. An empty body is treated as an empty code.
func decodeCode(r *http.Request) (string, error) {
	var req twoFactorCodeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && err != io.EOF {
		return "", apperr.NewValidationError("Invalid JSON body")
	}
	return req.Code, nil
}

// writeTwoFactorError renders the {"error": ...} shape of the 2FA endpoints.
func writeTwoFactorError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.StatusCode(err), models.TwoFactorErrorResponse{Error: apperr.Message(err)})
}

// SetupTwoFactor handles POST /api/2fa/setup.
func (h *Handlers) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	account := auth.AccountFromContext(r.Context())

	res, err := h.twoFactor.Setup(r.Context(), account.ID)
	if err != nil {
		writeTwoFactorError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.TwoFactorSetupResponse{
		Secret:          res.Secret,
		QRCode:          res.QRCode,
		ProvisioningURI: res.ProvisioningURI,
		Message:         models.TwoFactorSetupMessage,
	})
}

// EnableTwoFactor handles POST /api/2fa/enable.
func (h *Handlers) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	account := auth.AccountFromContext(r.Context())

	code, err := decodeCode(r)
	if err != nil {
		writeTwoFactorError(w, err)
		return
	}

	backupCodes, err := h.twoFactor.Enable(r.Context(), account.ID, code)
	if err != nil {
		writeTwoFactorError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.TwoFactorEnableResponse{
		Message:     models.TwoFactorEnableMessage,
		BackupCodes: backupCodes,
		Warning:     models.TwoFactorEnableWarning,
	})
}

// DisableTwoFactor handles POST /api/2fa/disable.
func (h *Handlers) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	account := auth.AccountFromContext(r.Context())

	code, err := decodeCode(r)
	if err != nil {
		writeTwoFactorError(w, err)
		return
	}

	if err := h.twoFactor.Disable(r.Context(), account.ID, code); err != nil {
		writeTwoFactorError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.MessageResponse{Message: "2FA disabled successfully"})
}

// VerifyBackupCode handles POST /api/2fa/backup-codes/verify. A matching code
// is consumed and cannot be used again.
func (h *Handlers) VerifyBackupCode(w http.ResponseWriter, r *http.Request) {
	account := auth.AccountFromContext(r.Context())

	code, err := decodeCode(r)
	if err != nil {
		writeTwoFactorError(w, err)
		return
	}

	ok, err := h.twoFactor.ConsumeBackupCode(r.Context(), account.ID, code)
	if err != nil {
		writeTwoFactorError(w, err)
		return
	}
	if !ok {
		writeTwoFactorError(w, apperr.NewInvalidCodeError())
		return
	}

	left := 0
	if current, err := h.storage.GetAccount(r.Context(), account.ID); err == nil {
		left = len(current.BackupCodeHashes)
	}
	writeJSON(w, http.StatusOK, models.BackupCodeVerifyResponse{
		Valid:           true,
		BackupCodesLeft: left,
		Message:         "Backup code accepted",
	})
}
