package server

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/juju/errors"

	"github.com/c3hub/fieldhub/internal/storage"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsUnauthorized(err):
		return http.StatusUnauthorized
	case errors.IsNotValid(err):
		return http.StatusBadRequest
	case errors.IsAlreadyExists(err):
		return http.StatusConflict
	case storage.IsFailure(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	resp := errorResponse{Error: err.Error()}
	switch status {
	case http.StatusUnauthorized:
		resp.Error = "invalid api key"
	case http.StatusServiceUnavailable:
		resp.Error = "backing store unavailable"
		if !s.cfg.Production {
			resp.Detail = storage.FailureDetail(err)
		}
	case http.StatusInternalServerError:
		resp.Error = "internal error"
		if !s.cfg.Production {
			resp.Detail = err.Error()
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"status", status, "error", errors.ErrorStack(err), "detail", storage.FailureDetail(err))
	}
	writeJSON(w, status, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return errors.NotValidf("empty body")
		}
		return errors.NotValidf("json body: %v", err)
	}
	return nil
}

// queryLimit parses ?limit=. Absent means the component default.
func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, errors.NotValidf("limit %q", v)
	}
	return n, nil
}

// querySince parses ?since= as float seconds.
func querySince(r *http.Request) (*float64, error) {
	v := r.URL.Query().Get("since")
	if v == "" {
		return nil, nil
	}
	return parseTimestamp("since", v)
}

// streamCursor is where a stream starts: Last-Event-ID on reconnect,
// otherwise ?since=, otherwise the beginning.
func streamCursor(r *http.Request) (float64, error) {
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		ts, err := parseTimestamp("Last-Event-ID", v)
		if err != nil {
			return 0, err
		}
		return *ts, nil
	}
	since, err := querySince(r)
	if err != nil || since == nil {
		return 0, err
	}
	return *since, nil
}

func parseTimestamp(name, v string) (*float64, error) {
	ts, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(ts) || math.IsInf(ts, 0) {
		return nil, errors.NotValidf("%s %q", name, v)
	}
	return &ts, nil
}

func formatTimestamp(ts float64) string {
	return strconv.FormatFloat(ts, 'f', -1, 64)
}
