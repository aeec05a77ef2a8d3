// Package hop implements the loop-guard that keeps the control plane from
// recursively calling itself through a misconfigured endpoint. Every outbound
// adapter request carries a "Hop: n" header derived from the inbound hop + 1;
// inbound requests whose hop exceeds the configured maximum are answered
// synthetically without touching any backend.
package hop

import (
	"context"
	"net/http"
	"os"
	"strconv"
)

// Header is the hop-count header name.
const Header = "Hop"

// EnvMaxHop configures the maximum accepted inbound hop value.
// Default 0: any forwarded request is blocked (strict deployments).
const EnvMaxHop = "DENIS_OPENAI_COMPAT_MAX_HOP"

type ctxKey struct{}

// WithHop returns a context carrying the inbound hop count. Intermediate code
// does not thread the value explicitly; it rides the request context.
func WithHop(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, ctxKey{}, n)
}

// FromContext returns the inbound hop count, zero when absent.
func FromContext(ctx context.Context) int {
	if n, ok := ctx.Value(ctxKey{}).(int); ok {
		return n
	}
	return 0
}

// Parse reads the hop header from an inbound request. Missing or malformed
// headers count as hop 0.
func Parse(h http.Header) int {
	v := h.Get(Header)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Inject stamps the outbound hop header: inbound hop + 1.
func Inject(ctx context.Context, req *http.Request) {
	req.Header.Set(Header, strconv.Itoa(FromContext(ctx)+1))
}

// MaxFromEnv returns the configured hop maximum.
func MaxFromEnv() int {
	v := os.Getenv(EnvMaxHop)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Exceeded reports whether the inbound hop count in ctx is over the maximum.
func Exceeded(ctx context.Context, max int) bool {
	return FromContext(ctx) > max
}
