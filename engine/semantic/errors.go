package semantic

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hybrag/hybrag/engine/domain"
)

// backendErr classifies a client failure. Throttling, 5xx responses and
// unreachable nodes are transient; everything else surfaces as unavailable.
func backendErr(op, backend string, err error) error {
	if isTransient(err) {
		return domain.StoreTransport(op, backend, err)
	}
	return domain.Unavailable(op, backend, err)
}

func isTransient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded:
		return true
	}
	var resp interface{ HTTPStatusCode() int }
	if errors.As(err, &resp) {
		code := resp.HTTPStatusCode()
		return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
	}
	return false
}
