package shared

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/basket/clawmesh/internal/apperr"
)

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the public form of err as {"error": code, "message": msg}.
func WriteError(w http.ResponseWriter, err error) {
	code, status, msg := apperr.Public(err)
	WriteJSON(w, status, map[string]string{"error": string(code), "message": msg})
}

// DecodeJSON reads a JSON body capped at maxBytes into dst. Unknown fields
// are tolerated. Decode failures come back as validation errors.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apperr.Wrap(apperr.CodeValidation, err, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		case errors.Is(err, io.EOF):
			return apperr.New(apperr.CodeValidation, "request body is empty")
		default:
			return apperr.Wrap(apperr.CodeValidation, err, "request body is not valid JSON")
		}
	}
	return nil
}
