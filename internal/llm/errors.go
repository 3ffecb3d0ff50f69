package llm

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// APIError is a non-2xx response from the completion endpoint.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("completion endpoint returned %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("completion endpoint returned %s", e.Status)
}

// classifyTransportError maps low-level connection failures to
// messages that name the likely cause instead of surfacing raw
// syscall noise.
func classifyTransportError(baseURL string, err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("cannot resolve completion host %q: %w", dnsErr.Name, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("connection refused by %s (is the inference server running?): %w", baseURL, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("timed out waiting for %s: %w", baseURL, err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("timed out waiting for %s: %w", baseURL, err)
	}
	return fmt.Errorf("completion request to %s failed: %w", baseURL, err)
}
