// Package correlation tracks the identifier that ties one form submission to
// the log lines it produces on both sides of the ingest hand-off.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Header is the HTTP header carrying a caller supplied correlation id.
const Header = "X-Correlation-Id"

// MaxIDLength is the longest correlation id accepted from callers.
const MaxIDLength = 128

type contextKey struct{}

// Set stores id on ctx when it normalizes; invalid ids leave ctx untouched.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the correlation id stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Normalize trims id and accepts it when it is non-empty, at most
// MaxIDLength bytes and printable ASCII.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a new time-ordered (UUIDv7) identifier.
func Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FromRequest returns a context carrying the request's correlation id,
// generating one when the header is absent or invalid.
func FromRequest(r *http.Request) (context.Context, string) {
	ctx := r.Context()
	if id, ok := Normalize(r.Header.Get(Header)); ok {
		return Set(ctx, id), id
	}
	id := Generate()
	return Set(ctx, id), id
}
