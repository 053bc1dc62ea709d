// Package assets fetches tileset documents and tile payloads.
package assets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tilebridge/internal/async"
)

const (
	ContentTypeJSON   = "application/json"
	ContentTypeBinary = "application/octet-stream"
)

var ErrUnknownMethod = errors.New("unknown request method")

// Response is a completed request.
type Response struct {
	URL         string
	StatusCode  int
	ContentType string
	Headers     map[string]string
	Data        []byte
}

// Accessor loads assets asynchronously. Failed requests reject the future;
// a resolved response always has a status below 400.
type Accessor interface {
	Get(ctx context.Context, url string, headers map[string]string) *async.Future[*Response]
	Request(ctx context.Context, method, url string, headers map[string]string, body []byte) *async.Future[*Response]
}

// StatusError is returned for responses with a failing status code.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("request %s failed with status %d", e.URL, e.Code)
	}
	return fmt.Sprintf("request %s failed with status %d: %s", e.URL, e.Code, e.Body)
}

// Failed reports whether a status code counts as a failed request.
// Zero means the request never produced a response.
func Failed(code int) bool {
	return code == 0 || code >= 400
}

var methods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "CONNECT": true, "HEAD": true,
	"DELETE": true, "OPTIONS": true, "TRACE": true, "PATCH": true,
}

func checkMethod(method string) (string, error) {
	m := strings.ToUpper(method)
	if !methods[m] {
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	return m, nil
}
