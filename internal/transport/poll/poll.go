// internal/transport/poll/poll.go
package poll

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/market-stream/internal/transport"
	"github.com/YaganovValera/market-stream/pkg/logger"
)

// Config задаёт параметры fallback-опроса.
type Config struct {
	URL          string        // endpoint снапшота фида
	FetchTimeout time.Duration // дедлайн одного запроса, например 10s
	MaxBodyBytes int64         // защита от неожиданно больших ответов
}

func (c *Config) applyDefaults() {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 4 << 20 // 4 MiB
	}
}

func (c Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("poll: URL is required")
	}
	return nil
}

// Client — Poller поверх обычного HTTP GET.
type Client struct {
	cfg  Config
	http *http.Client
	log  *logger.Logger
}

// New создаёт Client с собственным http.Client (таймаут = FetchTimeout).
func New(cfg Config, log *logger.Logger) (*Client, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.FetchTimeout},
		log:  log.Named("poll"),
	}, nil
}

// Fetch выполняет один запрос. 429 → RateLimitError, 5xx → ServerError,
// таймаут → transport.ErrTimeout.
func (c *Client) Fetch(ctx context.Context) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("poll: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("poll: fetch %s: %w", c.cfg.URL, transport.ErrTimeout)
		}
		return nil, fmt.Errorf("poll: fetch %s: %w", c.cfg.URL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.log.Warn("poll: rate limited", zap.String("url", c.cfg.URL))
		return nil, &transport.RateLimitError{Code: "429"}
	case resp.StatusCode >= 500:
		return nil, &transport.ServerError{Code: fmt.Sprintf("%d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("poll: read body: %w", err)
	}
	return body, nil
}
