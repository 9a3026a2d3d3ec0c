package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/polycopy/bot/internal/domain"
)

// DataClient is the read-only client for the Polymarket data API: positions
// and portfolio value per wallet. It requires no authentication.
type DataClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewDataClient creates a data API client, defaulting to DefaultDataURL.
func NewDataClient(baseURL string) *DataClient {
	if baseURL == "" {
		baseURL = DefaultDataURL
	}
	return &DataClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Positions returns a wallet's current positions, paging through the API
// until exhausted.
func (c *DataClient) Positions(ctx context.Context, wallet string) ([]domain.TraderPosition, error) {
	const pageSize = 500

	var out []domain.TraderPosition
	for offset := 0; ; offset += pageSize {
		q := url.Values{}
		q.Set("user", strings.ToLower(wallet))
		q.Set("limit", strconv.Itoa(pageSize))
		q.Set("offset", strconv.Itoa(offset))

		body, err := c.get(ctx, "/positions?"+q.Encode())
		if err != nil {
			return nil, fmt.Errorf("polymarket/data: positions for %s: %w", wallet, err)
		}

		var page []apiPosition
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("polymarket/data: decode positions: %w", err)
		}
		for i := range page {
			out = append(out, page[i].toDomain())
		}
		if len(page) < pageSize {
			return out, nil
		}
	}
}

// Value returns a wallet's total portfolio value in USD.
func (c *DataClient) Value(ctx context.Context, wallet string) (float64, error) {
	q := url.Values{}
	q.Set("user", strings.ToLower(wallet))

	body, err := c.get(ctx, "/value?"+q.Encode())
	if err != nil {
		return 0, fmt.Errorf("polymarket/data: value for %s: %w", wallet, err)
	}

	// The endpoint answers with a one-element array.
	var rows []struct {
		User  string  `json:"user"`
		Value float64 `json:"value"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return 0, fmt.Errorf("polymarket/data: decode value: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Value, nil
}

func (c *DataClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}
