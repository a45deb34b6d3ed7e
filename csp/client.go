package csp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// MockToken switches the client factory to the in-memory fixture.
const MockToken = "mock"

const listPageSize = 100

type Config struct {
	BaseURL        string
	Token          string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// New returns the HTTP client, or the mock fixture when the token is
// the mock sentinel.
func New(log *slog.Logger, cfg Config) Client {
	if cfg.Token == MockToken {
		return NewMock(log)
	}
	return NewHTTP(log, cfg)
}

// HTTPClient talks to the upstream account API. All calls go through
// the circuit breaker wrapper; nothing here retries.
type HTTPClient struct {
	cfg  Config
	log  *slog.Logger
	http *http.Client
}

func NewHTTP(log *slog.Logger, cfg Config) *HTTPClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	return &HTTPClient{
		cfg: cfg,
		log: log.With("component", "csp"),
		http: &http.Client{
			Timeout: cfg.ReadTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: cfg.ConnectTimeout,
				}).DialContext,
			},
		},
	}
}

// upstreamAccount is the wire form of one account record.
type upstreamAccount struct {
	ID        string `json:"id"`
	CspID     string `json:"csp_id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	State     string `json:"state"`
	CreatedAt string `json:"created_at"`
}

type listResponse struct {
	Results      []upstreamAccount `json:"results"`
	TotalResults int               `json:"total_results"`
}

func (c *HTTPClient) ListActiveSandboxes(ctx context.Context) ([]Account, error) {
	var out []Account
	offset := 0

	for {
		page, err := c.listPage(ctx, offset, listPageSize)
		if err != nil {
			return nil, err
		}

		for _, acct := range page.Results {
			if acct.Type != "sandbox" || acct.State != "active" {
				continue
			}
			created, err := parseCreatedAt(acct.CreatedAt)
			if err != nil {
				c.log.Warn("skipping account with bad created_at",
					"csp_id", acct.CspID, "created_at", acct.CreatedAt, "error", err)
				continue
			}
			out = append(out, Account{
				SandboxID:  acct.CspID,
				Name:       acct.Name,
				ExternalID: acct.ID,
				CreatedAt:  created,
			})
		}

		offset += len(page.Results)
		if len(page.Results) < listPageSize {
			return out, nil
		}
	}
}

func (c *HTTPClient) listPage(ctx context.Context, offset, limit int) (*listResponse, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("_offset", strconv.Itoa(offset))
	q.Set("_limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build list request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("list accounts: status %d: %s", resp.StatusCode, body)
	}

	var page listResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode account page: %w", err)
	}
	return &page, nil
}

func (c *HTTPClient) Destroy(ctx context.Context, externalID string) (DestroyResult, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return DestroyFailed, fmt.Errorf("parse base url: %w", err)
	}
	u = u.JoinPath(externalID)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.String(), nil)
	if err != nil {
		return DestroyFailed, fmt.Errorf("build destroy request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return DestroyFailed, fmt.Errorf("destroy %s: %w", externalID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return DestroyOk, nil
	case http.StatusNotFound:
		// already absent upstream
		return DestroyGone, nil
	default:
		return DestroyFailed, fmt.Errorf("destroy %s: status %d", externalID, resp.StatusCode)
	}
}

func parseCreatedAt(s string) (int64, error) {
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, err
	}
	return ts.Unix(), nil
}
