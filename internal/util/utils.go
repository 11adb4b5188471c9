package util

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

var errEmptyBody = errors.New("empty body")

// DecodeJSONBody decodes the request body into T. An empty body yields the zero value.
func DecodeJSONBody[T any](r *http.Request) (T, error) {
	return decodeJSON[T](r.Body, true)
}

// DecodeJSONBodyResponse decodes an API response into T. Unlike requests, an
// empty response body is an error.
func DecodeJSONBodyResponse[T any](r *http.Response) (T, error) {
	data, err := decodeJSON[T](r.Body, false)
	if err != nil {
		return data, fmt.Errorf("status %d: %w", r.StatusCode, err)
	}
	return data, nil
}

func decodeJSON[T any](body io.ReadCloser, allowEmpty bool) (T, error) {
	defer body.Close()
	var zero T
	raw, err := io.ReadAll(body)
	if err != nil {
		return zero, fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		if allowEmpty {
			return zero, nil
		}
		return zero, errEmptyBody
	}
	var data T
	if err := json.Unmarshal(raw, &data); err != nil {
		return zero, fmt.Errorf("decode json: %w", err)
	}
	return data, nil
}

func WriteJSONResponse[T any](w http.ResponseWriter, status int, data T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
