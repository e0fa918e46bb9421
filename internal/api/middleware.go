package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"piksel/internal/apperr"
	"piksel/internal/models"
	"piksel/internal/ws"
)

// maxBodyBytes bounds request bodies; encrypted envelopes are the largest.
const maxBodyBytes = 256 << 10

type ctxKey struct{}

// UserID returns the authenticated user stored by RequireAuth.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

func (a *API) getToken(r *http.Request) string {
	token := ws.RequestToken(r)
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// RequireAuth rejects requests without a valid session token and stores the
// caller's user id in the request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.GetUserID(a.getToken(r))
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(models.ErrorResponse{
				Error:   apperr.CodeForbidden,
				Message: "Unauthorized",
			})
			return
		}
		next(w, r.WithContext(WithUserID(r.Context(), userID)))
	}
}

// RequireSameOrigin rejects browser requests whose Origin does not match
// the Host they were sent to. Requests without an Origin header pass.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			u, err := url.Parse(origin)
			if err != nil || u.Host != r.Host {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}

type validator interface {
	Validate() error
}

// bind decodes the body strictly into req, binds its actor field to the
// caller and validates it. It writes the error response and returns false
// on failure.
func bind(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := decodeStrict(w, r, req); err != nil {
		writeError(w, apperr.Validation("invalid request body: %v", err))
		return false
	}
	return authorize(w, r, req)
}

// authorize binds and validates a request that was not decoded from a body.
func authorize(w http.ResponseWriter, r *http.Request, req any) bool {
	if ar, ok := req.(models.ActorRequest); ok {
		caller := UserID(r.Context())
		actor := ar.Actor()
		switch *actor {
		case "":
			*actor = caller
		case caller:
		default:
			writeError(w, apperr.Forbidden("request is made on behalf of another user"))
			return false
		}
	}
	if v, ok := req.(validator); ok {
		if err := v.Validate(); err != nil {
			writeError(w, err)
			return false
		}
	}
	return true
}

func decodeStrict(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("body must contain a single JSON value")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError translates err into the error body and status of its code.
// Internal failures are logged and reported without details.
func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	resp := models.ErrorResponse{Error: code}

	var ae *apperr.Error
	if errors.As(err, &ae) && code != apperr.CodeInternal {
		resp.Message = ae.Message
		resp.UserIDs = ae.UserIDs
	} else {
		slog.Error("request failed", "error", err)
		resp.Message = "internal error"
	}
	if code == apperr.CodeMemberLimit {
		resp.MaxParticipants = models.MaxGroupParticipants
	}
	writeJSON(w, apperr.HTTPStatus(code), resp)
}
