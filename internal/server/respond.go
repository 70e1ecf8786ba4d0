package server

import (
	"encoding/json"
	"net/http"

	"github.com/tjfontaine/assistd/internal/domain"
)

type errorBody struct {
	Error *domain.APIError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as {"error":{type,code,message}} with the status
// its type maps to. The error is also attached to the request log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := domain.AsAPIError(err)
	AddError(r.Context(), apiErr)
	writeJSON(w, apiErr.HTTPStatusCode(), errorBody{Error: apiErr})
}
