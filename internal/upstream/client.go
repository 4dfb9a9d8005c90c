// Package upstream builds the HTTP client and request envelope shared by
// the Token Refresher and the Upstream Call (§4.7), including transparent
// decompression of non-2xx error bodies the way the teacher's
// claude_executor.go does for its own upstreams.
package upstream

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// ClientConfig carries the addressing and transport knobs the client needs,
// mirroring the subset of internal/config.Config relevant to outbound calls.
type ClientConfig struct {
	Region       string
	KiroVersion  string
	MachineID    string
	ProxyURL     string
	InsecureSkip bool
}

// NewHTTPClient builds a proxy-aware client from cfg.ProxyURL. The engine
// shares one such client between the generate call and the refresh call.
func NewHTTPClient(cfg ClientConfig, timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{}
	if cfg.ProxyURL != "" {
		parsed, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("upstream: invalid proxy-url %q: %w", cfg.ProxyURL, err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}
	if cfg.InsecureSkip {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// GenerateURL returns the fixed upstream endpoint for the given region.
func GenerateURL(region string) string {
	return fmt.Sprintf("https://q.%s.amazonaws.com/generateAssistantResponse", region)
}

// BuildGenerateRequest assembles the exact header set of §4.7 for the
// generateAssistantResponse call.
func BuildGenerateRequest(ctx context.Context, cfg ClientConfig, accessToken string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, GenerateURL(cfg.Region), strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	applyCommonHeaders(req, cfg, accessToken)
	req.Header.Set("Accept-Encoding", "gzip, deflate, br, zstd")
	return req, nil
}

func applyCommonHeaders(req *http.Request, cfg ClientConfig, accessToken string) {
	agent := fmt.Sprintf("aws-sdk-js/1.0.27 KiroIDE-%s-%s", cfg.KiroVersion, cfg.MachineID)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-amzn-kiro-optout", "true")
	req.Header.Set("x-amzn-kiro-agent-mode", "vibe")
	req.Header.Set("x-amz-user-agent", agent)
	req.Header.Set("User-Agent", agent)
	req.Header.Set("Host", fmt.Sprintf("q.%s.amazonaws.com", cfg.Region))
	req.Header.Set("amz-sdk-invocation-id", uuid.NewString())
	req.Header.Set("amz-sdk-request", "attempt=1; max=3")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Connection", "close")
}

// compositeReadCloser chains an inner decompressing reader with the closers
// needed to release it and the underlying transport body.
type compositeReadCloser struct {
	io.Reader
	closers []func() error
}

func (c *compositeReadCloser) Close() error {
	var firstErr error
	for _, closer := range c.closers {
		if err := closer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DecodeResponseBody transparently decompresses body per Content-Encoding,
// so the Degradation Retry Engine's pattern match always sees plain text.
func DecodeResponseBody(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	if body == nil {
		return nil, fmt.Errorf("upstream: response body is nil")
	}
	if contentEncoding == "" {
		return body, nil
	}
	for _, raw := range strings.Split(contentEncoding, ",") {
		encoding := strings.TrimSpace(strings.ToLower(raw))
		switch encoding {
		case "", "identity":
			continue
		case "gzip":
			gzipReader, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return nil, fmt.Errorf("upstream: gzip reader: %w", err)
			}
			return &compositeReadCloser{Reader: gzipReader, closers: []func() error{gzipReader.Close, body.Close}}, nil
		case "deflate":
			deflateReader := flate.NewReader(body)
			return &compositeReadCloser{Reader: deflateReader, closers: []func() error{deflateReader.Close, body.Close}}, nil
		case "br":
			return &compositeReadCloser{Reader: brotli.NewReader(body), closers: []func() error{body.Close}}, nil
		case "zstd":
			decoder, err := zstd.NewReader(body)
			if err != nil {
				_ = body.Close()
				return nil, fmt.Errorf("upstream: zstd reader: %w", err)
			}
			return &compositeReadCloser{
				Reader:  decoder,
				closers: []func() error{func() error { decoder.Close(); return nil }, body.Close},
			}, nil
		default:
			continue
		}
	}
	return body, nil
}

// ReadDecodedBody decodes then fully drains a response body, for the
// error-inspection path where the Degradation Retry Engine needs the text.
func ReadDecodedBody(resp *http.Response) ([]byte, error) {
	decoded, err := DecodeResponseBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, err
	}
	defer decoded.Close()
	return io.ReadAll(decoded)
}
