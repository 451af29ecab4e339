package transport

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/flowdesk/internal/config"
	"github.com/pitabwire/flowdesk/internal/observability"
	"github.com/pitabwire/flowdesk/model"
)

type ctxKey int

const (
	correlationIDKey ctxKey = iota
	claimsKey
	capabilitiesKey
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerOrganization  = "X-Organization-Id"
	headerTimezone      = "X-Timezone"

	maxCorrelationIDLen = 128
)

func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// WithClaims stores verified token claims on ctx.
func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsKey).(map[string]any)
	return claims
}

func WithCapabilities(ctx context.Context, caps model.CapabilitySet) context.Context {
	return context.WithValue(ctx, capabilitiesKey, caps)
}

// CapabilitiesFrom returns the capabilities resolved for the request, or nil.
func CapabilitiesFrom(ctx context.Context) model.CapabilitySet {
	caps, _ := ctx.Value(capabilitiesKey).(model.CapabilitySet)
	return caps
}

// Recovery turns a handler panic into a 500 envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			slog.ErrorContext(r.Context(), "handler panicked",
				"panic", rec,
				"route", r.Method+" "+r.URL.Path,
				"correlation_id", CorrelationIDFrom(r.Context()),
				"stack", string(debug.Stack()),
			)
			WriteError(w, model.NewInternalError())
		}()
		next.ServeHTTP(w, r)
	})
}

// CORS answers preflight requests and tags responses for the console origins
// in cfg. ETag and the correlation id are exposed so the console can send
// If-Match and report ids.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	allowed := http.Header{}
	allowed.Set("Access-Control-Allow-Methods", strings.Join(cfg.AllowedMethods, ", "))
	allowed.Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowedHeaders, ", "))
	allowed.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
	allowed.Set("Access-Control-Expose-Headers", headerCorrelationID+", ETag")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && slices.Contains(cfg.AllowedOrigins, origin) {
				h := w.Header()
				for k, v := range allowed {
					h[k] = v
				}
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID propagates the caller's X-Correlation-Id, or issues a new one
// when it is missing, too long or not printable ASCII.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerCorrelationID)
		if !usableCorrelationID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(headerCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationIDKey, id)))
	})
}

func usableCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationIDLen {
		return false
	}
	for i := range len(id) {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

var securityHeaders = [][2]string{
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
}

// SecurityHeaders marks every response as uncacheable and not frameable.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, kv := range securityHeaders {
			w.Header().Set(kv[0], kv[1])
		}
		next.ServeHTTP(w, r)
	})
}

// Session fields and the claim path each is read from unless configured
// otherwise. Paths are dot separated, e.g. "realm_access.roles".
var defaultClaimPaths = map[string]string{
	"subject_id":      "sub",
	"organization_id": "org_id",
	"email":           "email",
	"roles":           "roles",
}

// BuildRequestContextMiddleware builds the session every flow operation
// receives from the verified claims and the bearer token. The organization
// comes from the token. X-Organization-Id fills it in only for tokens without
// one and must match it otherwise.
func BuildRequestContextMiddleware(claimPaths map[string]string) func(http.Handler) http.Handler {
	paths := make(map[string]string, len(defaultClaimPaths))
	for field, path := range defaultClaimPaths {
		if custom := claimPaths[field]; custom != "" {
			path = custom
		}
		paths[field] = path
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			claims := ClaimsFrom(ctx)
			rctx := &model.RequestContext{
				SubjectID:      extractClaimString(claims, paths["subject_id"]),
				Email:          extractClaimString(claims, paths["email"]),
				OrganizationID: extractClaimString(claims, paths["organization_id"]),
				Roles:          extractClaimStringSlice(claims, paths["roles"]),
				Claims:         claims,
				Token:          bearerToken(r),
				CorrelationID:  CorrelationIDFrom(ctx),
				TraceID:        observability.TraceIDFromContext(ctx),
				SpanID:         observability.SpanIDFromContext(ctx),
				Timezone:       r.Header.Get(headerTimezone),
				Locale:         r.Header.Get("Accept-Language"),
			}

			switch org := r.Header.Get(headerOrganization); {
			case org == "":
			case rctx.OrganizationID == "":
				rctx.OrganizationID = org
			case rctx.OrganizationID != org:
				WriteError(w, model.NewForbiddenError("Organization does not match the token"))
				return
			}
			if err := rctx.Validate(); err != nil {
				WriteError(w, model.NewUnauthorizedError("Token does not identify a subject and organization"))
				return
			}
			next.ServeHTTP(w, r.WithContext(model.WithRequestContext(ctx, rctx)))
		})
	}
}

// ResolveCapabilities attaches the session's capabilities. When resolution
// fails the request carries none, so capability checks deny it.
func ResolveCapabilities(resolver model.CapabilityResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if resolver == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rctx := model.RequestContextFrom(r.Context())
			if rctx == nil {
				next.ServeHTTP(w, r)
				return
			}
			caps, err := resolver.Resolve(rctx)
			if err != nil {
				slog.WarnContext(r.Context(), "capabilities unavailable",
					"error", err,
					"organization_id", rctx.OrganizationID,
					"subject_id", rctx.SubjectID,
				)
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCapabilities(r.Context(), caps)))
		})
	}
}

// AttachLogger stores base, tagged with the caller's session, as the logger
// of the request. Services log through it via observability.LoggerFrom.
func AttachLogger(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if base == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(observability.ScopeLogger(r.Context(), base)))
		})
	}
}

// HandlerTimeout bounds each request, and with it every flows API call the
// request fans out to. A non-positive d disables the bound.
func HandlerTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogging writes one line per request: errors for 5xx, warnings for
// 4xx.
func RequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Duration("duration", time.Since(start)),
			slog.String("correlation_id", CorrelationIDFrom(r.Context())),
		}
		if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
			attrs = append(attrs,
				slog.String("organization_id", rctx.OrganizationID),
				slog.String("subject_id", rctx.SubjectID),
			)
		}
		slog.LogAttrs(r.Context(), statusLevel(sw.status), "request", attrs...)
	})
}

func statusLevel(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

// RequireCapability admits requests holding at least one of caps.
func RequireCapability(caps ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !CapabilitiesFrom(r.Context()).HasAny(caps...) {
				WriteForbidden(w, "Missing capability "+strings.Join(caps, " or "))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status, w.wroteHeader = code, true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func bearerToken(r *http.Request) string {
	token, _ := bearerCredential(r)
	return token
}

// extractClaim follows a dot separated path through nested claim objects.
func extractClaim(claims map[string]any, path string) any {
	if path == "" {
		return nil
	}
	var cur any = claims
	for part := range strings.SplitSeq(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur, ok = obj[part]; !ok {
			return nil
		}
	}
	return cur
}

func extractClaimString(claims map[string]any, path string) string {
	s, _ := extractClaim(claims, path).(string)
	return s
}

// extractClaimStringSlice accepts a JSON array of strings or a space
// separated string, as OAuth scope claims use.
func extractClaimStringSlice(claims map[string]any, path string) []string {
	switch v := extractClaim(claims, path).(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(v)
	}
	return nil
}
