package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/angelmondragon/grubhaul-backend/api/responses"
	"github.com/angelmondragon/grubhaul-backend/internal/users"
	pkgerrors "github.com/angelmondragon/grubhaul-backend/pkg/errors"
	"github.com/angelmondragon/grubhaul-backend/pkg/logger"
)

// maxRateLimitedBody caps how much of a credentials body is buffered to find
// the email. Register and login payloads are far smaller.
const maxRateLimitedBody = 16 << 10

// RateLimitStore counts attempts per scope in fixed windows.
type RateLimitStore interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

// AuthRateLimitPolicy throttles one identity endpoint by caller IP and by the
// email in the request body. A zero limit disables that dimension.
type AuthRateLimitPolicy struct {
	endpoint   string
	window     time.Duration
	ipLimit    int
	emailLimit int
}

func NewAuthRateLimitPolicy(endpoint string, window time.Duration, ipLimit, emailLimit int) AuthRateLimitPolicy {
	endpoint = strings.ToLower(strings.TrimSpace(endpoint))
	if endpoint == "" {
		endpoint = "auth"
	}
	return AuthRateLimitPolicy{endpoint: endpoint, window: window, ipLimit: ipLimit, emailLimit: emailLimit}
}

func (p AuthRateLimitPolicy) enabled() bool {
	return p.window > 0 && (p.ipLimit > 0 || p.emailLimit > 0)
}

// check is one counter the request must pass.
type check struct {
	dimension string
	value     string
	limit     int
}

func (p AuthRateLimitPolicy) scope(c check) string {
	return p.endpoint + ":" + c.dimension + ":" + c.value
}

// AuthRateLimit guards register and login. Blocked callers get 429 with
// Retry-After set to the window; counter failures surface as DEPENDENCY_ERROR.
func AuthRateLimit(policy AuthRateLimitPolicy, store RateLimitStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !policy.enabled() || store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			checks := make([]check, 0, 2)
			if ip := ClientIP(r); policy.ipLimit > 0 && ip != "" {
				checks = append(checks, check{dimension: "ip", value: ip, limit: policy.ipLimit})
			}
			if policy.emailLimit > 0 {
				body, err := io.ReadAll(io.LimitReader(r.Body, maxRateLimitedBody+1))
				if err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request"))
					return
				}
				if len(body) > maxRateLimitedBody {
					responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "request body too large"))
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
				if email := users.NormalizeEmail(emailFromBody(body)); email != "" {
					checks = append(checks, check{dimension: "email", value: hashValue(email), limit: policy.emailLimit})
				}
			}

			for _, c := range checks {
				allowed, count, err := store.FixedWindowAllow(ctx, policy.scope(c), int64(c.limit), policy.window)
				if err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
					return
				}
				if !allowed {
					rejectAttempt(ctx, logg, w, policy, c, count)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rejectAttempt(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, policy AuthRateLimitPolicy, c check, count int64) {
	retryAfter := int(policy.window.Round(time.Second).Seconds())
	if logg != nil {
		// The email dimension is already hashed, so value is safe to log.
		logg.Warn(logg.WithFields(ctx, map[string]any{
			"endpoint":    policy.endpoint,
			"dimension":   c.dimension,
			"key":         c.value,
			"attempts":    count,
			"limit":       c.limit,
			"retry_after": retryAfter,
		}), "auth attempt rate limited")
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeRateLimit, "too many attempts, try again later").
		WithDetails(map[string]any{"retry_after_seconds": retryAfter}))
}

// ClientIP resolves the caller address. The first X-Forwarded-For hop wins,
// then X-Real-IP, then the socket peer.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

func emailFromBody(payload []byte) string {
	var body struct {
		Email string `json:"email"`
	}
	if json.Unmarshal(payload, &body) != nil {
		return ""
	}
	return body.Email
}

func hashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:16])
}
