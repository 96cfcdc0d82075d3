// Package web exposes the token flows as a JSON HTTP API.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tokenmail/tokenmail/internal/auth"
	"github.com/tokenmail/tokenmail/internal/email"
	"github.com/tokenmail/tokenmail/internal/errorz"
	"github.com/tokenmail/tokenmail/internal/ratelimit"
)

// ServerDeps are the dependencies for the server.
type ServerDeps struct {
	Logger      *slog.Logger
	AuthService *auth.Service
}

type Server struct {
	deps *ServerDeps
	mux  *http.ServeMux
}

func NewServer(deps *ServerDeps) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}

	s.mux.Handle("POST /auth/send-verification", handle(s, func(ctx context.Context, r *http.Request, in sendRequest) (statusResponse, error) {
		err := deps.AuthService.SendVerification(ctx, in.Email, nil, requestMeta(r))
		return statusResponse{Status: "ok"}, err
	}))

	s.mux.Handle("POST /auth/send-password-reset", handle(s, func(ctx context.Context, r *http.Request, in sendRequest) (statusResponse, error) {
		err := deps.AuthService.SendPasswordReset(ctx, in.Email, nil, requestMeta(r))
		return statusResponse{Status: "ok"}, err
	}))

	s.mux.Handle("POST /auth/send-magic-link", handle(s, func(ctx context.Context, r *http.Request, in sendRequest) (statusResponse, error) {
		err := deps.AuthService.SendMagicLink(ctx, in.Email, nil, requestMeta(r))
		return statusResponse{Status: "ok"}, err
	}))

	s.mux.Handle("POST /auth/request-email-change", handle(s, func(ctx context.Context, r *http.Request, in emailChangeRequest) (statusResponse, error) {
		err := deps.AuthService.RequestEmailChange(ctx, in.Email, in.NewEmail, nil, requestMeta(r))
		return statusResponse{Status: "ok"}, err
	}))

	// Verify accepts both the JSON API shape and the links embedded in
	// emails, which arrive as GET requests with query parameters.
	verify := handle(s, s.verifyToken)
	s.mux.Handle("POST /auth/verify", verify)
	s.mux.Handle("GET /auth/verify", handle(s, s.verifyToken).request(verifyRequestFromQuery))

	// Providers report bounces asynchronously via webhooks.
	s.mux.Handle("POST /webhooks/bounce", handle(s, s.recordBounce))

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type statusResponse struct {
	Status string `json:"status"`
}

type sendRequest struct {
	Email email.Address `json:"email"`
}

type emailChangeRequest struct {
	Email    email.Address `json:"email"`
	NewEmail email.Address `json:"new_email"`
}

type verifyRequest struct {
	Token string `json:"token"`
	Type  string `json:"type"`
}

type bounceRequest struct {
	Email     email.Address `json:"email"`
	Type      string        `json:"type"`
	Provider  string        `json:"provider"`
	MessageID string        `json:"message_id"`
	Reason    string        `json:"reason"`
}

type verifyResponse struct {
	Status   string            `json:"status"`
	Purpose  auth.TokenPurpose `json:"purpose"`
	Email    email.Address     `json:"email"`
	NewEmail *email.Address    `json:"new_email,omitempty"`
}

func verifyRequestFromQuery(r *http.Request) (verifyRequest, error) {
	q := r.URL.Query()
	return verifyRequest{
		Token: q.Get("token"),
		Type:  q.Get("type"),
	}, nil
}

func (s *Server) verifyToken(ctx context.Context, _ *http.Request, in verifyRequest) (verifyResponse, error) {
	purpose, err := auth.ParseTokenPurpose(in.Type)
	if err != nil {
		return verifyResponse{}, errorz.InvalidInput{err}
	}

	verification, err := s.deps.AuthService.VerifyToken(ctx, in.Token, purpose)
	if err != nil {
		return verifyResponse{}, err
	}

	return verifyResponse{
		Status:   "ok",
		Purpose:  verification.Purpose,
		Email:    verification.Email,
		NewEmail: verification.NewEmail,
	}, nil
}

func (s *Server) recordBounce(ctx context.Context, _ *http.Request, in bounceRequest) (statusResponse, error) {
	emailType, err := auth.ParseTokenPurpose(in.Type)
	if err != nil {
		return statusResponse{}, errorz.InvalidInput{err}
	}

	err = s.deps.AuthService.RecordBounce(ctx, in.Email, emailType, in.Provider, in.MessageID, in.Reason)
	if err != nil {
		return statusResponse{}, err
	}

	return statusResponse{Status: "ok"}, nil
}

// requestMeta captures the client details that end up in the audit trail.
func requestMeta(r *http.Request) auth.RequestMeta {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}

	return auth.RequestMeta{
		IPAddress: ip,
		UserAgent: r.UserAgent(),
	}
}

// handleError translates errors to HTTP responses. Token failures all
// collapse to the same message so the response doesn't reveal whether
// a token ever existed.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		invalid  errorz.InvalidInput
		limitErr *auth.RateLimitError
	)

	switch {
	case errors.As(err, &invalid), errors.Is(err, email.ErrInvalidEmail), errors.Is(err, auth.ErrSameEmail):
		s.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: errMessage(err)})
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrTokenExpired):
		s.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid or expired token"})
	case errors.As(err, &limitErr):
		retryAfter := int(time.Until(limitErr.ResetAt).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.writeJSON(w, r, http.StatusTooManyRequests, errorResponse{Error: "too many attempts, try again later"})
	case errors.Is(err, ratelimit.ErrUnavailable):
		s.deps.Logger.ErrorContext(r.Context(), "rate limiter unavailable", "error", err)
		s.writeJSON(w, r, http.StatusServiceUnavailable, errorResponse{Error: "service unavailable, try again later"})
	default:
		s.deps.Logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.writeJSON(w, r, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

// errMessage returns a client-safe message for input errors.
func errMessage(err error) string {
	switch {
	case errors.Is(err, email.ErrInvalidEmail):
		return email.ErrInvalidEmail.Error()
	case errors.Is(err, auth.ErrSameEmail):
		return auth.ErrSameEmail.Error()
	default:
		return "invalid input"
	}
}
