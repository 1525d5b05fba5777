package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	return data, nil
}

// decodeJSONBody reads at most limit bytes into dst and reports the status to answer with on failure.
func decodeJSONBody(r *http.Request, limit int64, dst any) (int, error) {
	body, err := readLimitedBody(r, limit)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return http.StatusRequestEntityTooLarge, err
		}
		return http.StatusBadRequest, err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return http.StatusBadRequest, errors.New("request body must be valid JSON")
	}
	return 0, nil
}
