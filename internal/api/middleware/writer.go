package middleware

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
)

// statusRecorder captures the status code and body size of a response.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// routePattern returns the matched chi route, falling back to the raw path.
// It is only complete after the router has served the request.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// annotations carry identity resolved deep in the chain back out to the
// outer logging and tracing middleware, which only hold the original request.
type annotations struct {
	mu       sync.Mutex
	tokenID  string
	operator string
}

type annotationsKey struct{}

// withAnnotations installs an annotations holder, reusing an existing one.
func withAnnotations(r *http.Request) (*http.Request, *annotations) {
	if a, ok := r.Context().Value(annotationsKey{}).(*annotations); ok {
		return r, a
	}
	a := &annotations{}
	return r.WithContext(context.WithValue(r.Context(), annotationsKey{}, a)), a
}

func annotate(ctx context.Context, fn func(a *annotations)) {
	if a, ok := ctx.Value(annotationsKey{}).(*annotations); ok {
		a.mu.Lock()
		fn(a)
		a.mu.Unlock()
	}
}

func (a *annotations) snapshot() (tokenID, operator string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tokenID, a.operator
}
