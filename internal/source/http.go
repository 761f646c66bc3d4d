package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"gigamap/internal/tile"
)

const (
	defaultUserAgent = "gigamap/1.0"
	maxTileBytes     = 8 << 20
)

// HTTPSource fetches tiles from a URL template such as
// "https://{s}.tile.example.org/{z}/{x}/{y}.png". {-y} is the TMS row.
type HTTPSource struct {
	template   string
	subdomains []string
	userAgent  string
	client     *http.Client
	logger     *zap.Logger
}

type HTTPOption func(*HTTPSource)

func WithSubdomains(subdomains ...string) HTTPOption {
	return func(s *HTTPSource) { s.subdomains = subdomains }
}

func WithUserAgent(ua string) HTTPOption {
	return func(s *HTTPSource) { s.userAgent = ua }
}

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) { s.client = c }
}

func NewHTTPSource(template string, logger *zap.Logger, opts ...HTTPOption) (*HTTPSource, error) {
	if !strings.Contains(template, "{z}") || !strings.Contains(template, "{x}") ||
		(!strings.Contains(template, "{y}") && !strings.Contains(template, "{-y}")) {
		return nil, fmt.Errorf("url template %q must contain {z}, {x} and {y}", template)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &HTTPSource{
		template:  template,
		userAgent: defaultUserAgent,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if strings.Contains(template, "{s}") && len(s.subdomains) == 0 {
		return nil, fmt.Errorf("url template %q uses {s} but no subdomains are configured", template)
	}
	return s, nil
}

// URL expands the template for key.
func (s *HTTPSource) URL(key tile.Key) string {
	tmsY := (1 << key.Zoom) - 1 - key.Y
	pairs := []string{
		"{z}", strconv.Itoa(key.Zoom),
		"{x}", strconv.Itoa(key.X),
		"{y}", strconv.Itoa(key.Y),
		"{-y}", strconv.Itoa(tmsY),
	}
	if len(s.subdomains) > 0 {
		pairs = append(pairs, "{s}", s.subdomains[(key.X+key.Y)%len(s.subdomains)])
	}
	return strings.NewReplacer(pairs...).Replace(s.template)
}

func (s *HTTPSource) Fetch(ctx context.Context, key tile.Key) ([]byte, error) {
	url := s.URL(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, tile.Wrap(tile.NetworkError, key, err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept-Encoding", "zstd, gzip")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &tile.Error{Kind: tile.Timeout, Key: key, Err: err}
		}
		return nil, &tile.Error{Kind: tile.NetworkError, Key: key, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, tile.Errorf(tile.NetworkError, key, "unexpected status %d from %s", resp.StatusCode, url)
	}

	body, err := decodeBody(resp)
	if err != nil {
		return nil, &tile.Error{Kind: tile.DecodeError, Key: key, Err: err}
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxTileBytes+1))
	if err != nil {
		return nil, &tile.Error{Kind: tile.NetworkError, Key: key, Err: err}
	}
	if len(data) > maxTileBytes {
		return nil, tile.Errorf(tile.NetworkError, key, "tile body exceeds %d bytes", maxTileBytes)
	}

	s.logger.Debug("Fetched tile",
		zap.String("source", key.SourceID),
		zap.Int("z", key.Zoom), zap.Int("x", key.X), zap.Int("y", key.Y),
		zap.Int("bytes", len(data)))
	return data, nil
}

// decodeBody unwraps Content-Encoding. Setting Accept-Encoding by hand turns
// off the transport's transparent gzip handling.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return io.NopCloser(resp.Body), nil
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "zstd":
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}
