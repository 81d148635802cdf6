package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	apperrors "github.com/coursehub/backend/internal/errors"
)

type contextKey string

const UserContextKey contextKey = "user"

type UserContext struct {
	UserID string
	Email  string
}

// BearerToken extracts the credential from an "Authorization: Bearer"
// header. ok is false when the header is absent or malformed.
func BearerToken(r *http.Request) (token string, ok bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Authenticate validates token and maps failures onto API errors.
func (s *Service) Authenticate(token string) (*UserContext, error) {
	if token == "" {
		return nil, apperrors.Unauthorized("missing access token")
	}
	claims, err := s.ValidateAccessToken(token)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil, apperrors.TokenExpired()
		}
		return nil, apperrors.InvalidToken("invalid access token")
	}
	return &UserContext{UserID: claims.UserID, Email: claims.Email}, nil
}

func Middleware(authService *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := apperrors.GetRequestID(r.Context())

			token, ok := BearerToken(r)
			if !ok {
				if r.Header.Get("Authorization") == "" {
					apperrors.WriteError(w, requestID, apperrors.Unauthorized("missing authorization header"))
				} else {
					apperrors.WriteError(w, requestID, apperrors.Unauthorized("invalid authorization header format"))
				}
				return
			}

			userCtx, err := authService.Authenticate(token)
			if err != nil {
				apperrors.WriteError(w, requestID, err)
				return
			}

			ctx := WithUser(r.Context(), userCtx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func WithUser(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

func GetUserFromContext(ctx context.Context) *UserContext {
	user, ok := ctx.Value(UserContextKey).(*UserContext)
	if !ok {
		return nil
	}
	return user
}
