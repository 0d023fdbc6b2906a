package amocrm

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxResponseBodyBytes = 64 << 10

var errTooManyRedirects = errors.New("amocrm.http.too_many_redirects")

// NewHTTPClient builds the outbound client shared by the token manager and the CRM client.
// Non-positive values fall back to DefaultHTTPTimeout; a negative redirect limit falls back
// to DefaultMaxRedirects.
func NewHTTPClient(timeout time.Duration, maxRedirects int) *http.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	if maxRedirects < 0 {
		maxRedirects = DefaultMaxRedirects
	}
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(request *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("%w: limit %d", errTooManyRedirects, maxRedirects)
			}
			return nil
		},
	}
}

func readResponseBody(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, maxResponseBodyBytes))
}

func isSuccessStatus(statusCode int) bool {
	return statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices
}
