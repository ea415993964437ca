package authz

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
)

// WebhookAudience is the audience claim stamped into job tokens handed to
// the processing service for its completion callback.
const WebhookAudience = "insar-webhook"

// TokenIssuer is the issuer claim of every token this API signs.
const TokenIssuer = "insar-api"

// Authenticator verifies the HS256 bearer tokens this API trusts: owner
// tokens on the public surface and job-scoped tokens on the webhook route.
type Authenticator struct {
	Secret []byte
}

// Middleware authenticates the public API. The subject claim identifies the
// owner all repository queries are scoped to.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := a.parseBearer(w, r)
		if !ok {
			return
		}
		ownerID, _ := claims["sub"].(string)
		if ownerID == "" {
			http.Error(w, "Missing subject claim", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), ownerID)))
	})
}

// JobTokenMiddleware authenticates the processing service's completion
// callback. The token must carry the webhook audience and be issued for the
// job named in the URL, so a leaked token cannot complete any other job.
func (a *Authenticator) JobTokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := a.parseBearer(w, r)
		if !ok {
			return
		}
		if !claims.VerifyAudience(WebhookAudience, true) {
			http.Error(w, "Invalid token audience", http.StatusForbidden)
			return
		}
		jobID, _ := claims["sub"].(string)
		if jobID == "" || jobID != mux.Vars(r)["jobID"] {
			http.Error(w, "Token not valid for this job", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithJob(r.Context(), jobID)))
	})
}

func (a *Authenticator) parseBearer(w http.ResponseWriter, r *http.Request) (jwt.MapClaims, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		http.Error(w, "Authorization header required", http.StatusUnauthorized)
		return nil, false
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		http.Error(w, "Invalid authorization format", http.StatusUnauthorized)
		return nil, false
	}

	token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.Secret, nil
	})
	if err != nil || !token.Valid {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return nil, false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !claims.VerifyExpiresAt(time.Now().Unix(), true) {
		http.Error(w, "Token expired", http.StatusUnauthorized)
		return nil, false
	}
	return claims, true
}
