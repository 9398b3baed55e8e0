package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/OldEphraim/strategy-vault/vault"
)

// StatusFor maps a vault error kind to an HTTP status.
func StatusFor(err error) int {
	switch vault.KindOf(err) {
	case vault.KindValidation:
		return http.StatusBadRequest
	case vault.KindAuthorization:
		return http.StatusForbidden
	case vault.KindNotFound:
		return http.StatusNotFound
	case vault.KindState, vault.KindTransfer:
		return http.StatusConflict
	case vault.KindArithmetic:
		return http.StatusUnprocessableEntity
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeVaultErr(w http.ResponseWriter, op string, err error) {
	status := StatusFor(err)
	if status >= 500 {
		s.log.Error(op, "err", err)
		writeErr(w, status, "internal error")
		return
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "code": vault.CodeOf(err)})
}
