package assets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/klauspost/compress/gzip"

	"tilebridge/internal/async"
)

// maxErrorBody bounds how much of a failing body is kept for the error message.
const maxErrorBody = 512

// Network fetches assets over HTTP.
type Network struct {
	client *http.Client
	tp     async.TaskProcessor
}

func NewNetwork(client *http.Client, tp async.TaskProcessor) *Network {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if tp == nil {
		tp = async.Inline{}
	}
	return &Network{client: client, tp: tp}
}

func (n *Network) Get(ctx context.Context, url string, headers map[string]string) *async.Future[*Response] {
	return n.Request(ctx, "GET", url, headers, nil)
}

func (n *Network) Request(ctx context.Context, method, url string, headers map[string]string, body []byte) *async.Future[*Response] {
	m, err := checkMethod(method)
	if err != nil {
		glog.Errorf("request %s: %v", url, err)
		return async.Rejected[*Response](err)
	}
	return async.Run(n.tp, func() (*Response, error) {
		return n.do(ctx, m, url, headers, body)
	})
}

func (n *Network) do(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", url, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	// Setting the header ourselves turns off transparent decompression.
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if Failed(resp.StatusCode) {
		snippet := data
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		err := &StatusError{URL: url, Code: resp.StatusCode, Body: string(snippet)}
		glog.Errorf("%v", err)
		return nil, err
	}

	out := &Response{
		URL:         url,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Headers:     make(map[string]string, len(resp.Header)),
		Data:        data,
	}
	if out.ContentType == "" {
		out.ContentType = ContentTypeBinary
	}
	for k := range resp.Header {
		out.Headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	return out, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	if !strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		return io.ReadAll(resp.Body)
	}
	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
