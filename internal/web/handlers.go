package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tokenmail/tokenmail/internal/errorz"
)

// maxBodySize bounds request bodies, the API only ever receives small
// JSON documents.
const maxBodySize = 1 << 16

// mapper is a generic HTTP handler that maps requests to target
// function calls and writes the output to the response as JSON.
type mapper[IN, OUT any] struct {
	s      *Server
	req    func(*http.Request) (IN, error)
	target func(context.Context, *http.Request, IN) (OUT, error)
	status int
}

// handle creates a HTTP handler that:
// 1. Maps the JSON request body to a value of input type IN.
// 2. Calls the target func with that value.
// 3. Writes the output of type OUT to the response.
//
// Errors are written using the server error handler.
func handle[IN, OUT any](s *Server, target func(context.Context, *http.Request, IN) (OUT, error)) *mapper[IN, OUT] {
	return &mapper[IN, OUT]{
		s: s,
		req: func(r *http.Request) (IN, error) {
			return decodeJSON[IN](r)
		},
		target: target,
		status: http.StatusOK,
	}
}

// request overwrites the function that maps the request to the input type.
func (e *mapper[IN, OUT]) request(fn func(r *http.Request) (IN, error)) *mapper[IN, OUT] {
	e.req = fn
	return e
}

func (e *mapper[IN, OUT]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	in, err := e.req(r)
	if err != nil {
		e.s.handleError(w, r, err)
		return
	}

	out, err := e.target(r.Context(), r, in)
	if err != nil {
		e.s.handleError(w, r, err)
		return
	}

	e.s.writeJSON(w, r, e.status, out)
}

// decodeJSON is the default way to map a request body to a struct.
// Decode failures are reported as invalid input.
func decodeJSON[IN any](r *http.Request) (IN, error) {
	var in IN

	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&in); err != nil {
		return in, errorz.InvalidInput{fmt.Errorf("failed to decode request body: %w", err)}
	}

	return in, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		// The status line is already out, all we can do is log.
		s.deps.Logger.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}

// errorResponse is the JSON shape of all error responses.
type errorResponse struct {
	Error string `json:"error"`
}
