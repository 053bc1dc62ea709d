package assets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"tilebridge/internal/async"
)

// Local reads assets from disk. The first URL requested is the tileset
// document and fixes the base directory; later URLs resolve against it.
type Local struct {
	tp async.TaskProcessor

	mu   sync.Mutex
	base string
}

func NewLocal(tp async.TaskProcessor) *Local {
	if tp == nil {
		tp = async.Inline{}
	}
	return &Local{tp: tp}
}

func (l *Local) Get(ctx context.Context, url string, headers map[string]string) *async.Future[*Response] {
	return async.Run(l.tp, func() (*Response, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path, contentType := l.resolve(url)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read asset %s: %w", url, err)
		}
		return &Response{
			URL:         url,
			StatusCode:  200,
			ContentType: contentType,
			Headers:     map[string]string{"content-type": contentType},
			Data:        data,
		}, nil
	})
}

// Request only supports GET.
func (l *Local) Request(ctx context.Context, method, url string, headers map[string]string, body []byte) *async.Future[*Response] {
	m, err := checkMethod(method)
	if err != nil {
		return async.Rejected[*Response](err)
	}
	if m != "GET" {
		return async.Rejected[*Response](fmt.Errorf("local assets: %s not supported", m))
	}
	return l.Get(ctx, url, headers)
}

func (l *Local) resolve(url string) (path, contentType string) {
	p := stripFileScheme(url)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.base == "" {
		l.base = filepath.Dir(p)
		return p, ContentTypeJSON
	}
	if filepath.IsAbs(p) {
		return p, ContentTypeBinary
	}
	return filepath.Join(l.base, filepath.FromSlash(p)), ContentTypeBinary
}

func stripFileScheme(url string) string {
	switch {
	case strings.HasPrefix(url, "file:///"):
		return "/" + strings.TrimPrefix(url, "file:///")
	case strings.HasPrefix(url, "file://"):
		return strings.TrimPrefix(url, "file://")
	}
	return url
}
