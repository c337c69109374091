package api

import (
	"encoding/json"
	"net/http"

	"github.com/MGallo-Code/postern/internal/verify"
	"github.com/gofrs/uuid/v5"
)

// ConsumeCode handles POST /internal/register/consume. Called by the registration
// service inside its own unit of work; the client IP is the one it observed.
func (h *Handler) ConsumeCode(w http.ResponseWriter, r *http.Request) {
	var input struct {
		RequestID string `json:"requestId"`
		Email     string `json:"email"`
		Code      string `json:"code"`
		IP        string `json:"ip"`
		Username  string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode consume input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}
	id, err := uuid.FromString(input.RequestID)
	if err != nil {
		BadRequest(w, r, "invalid requestId")
		return
	}

	err = h.Codes.ConsumeForRegister(r.Context(), verify.ConsumeInput{
		RequestID: id,
		Email:     input.Email,
		Code:      input.Code,
		IP:        input.IP,
		Username:  input.Username,
	})
	if err != nil {
		writeCodeError(w, r, err, http.StatusBadRequest)
		return
	}
	logInfo(r, "code consumed", "request_id", id, "username", input.Username)
	OK(w, "consumed")
}
