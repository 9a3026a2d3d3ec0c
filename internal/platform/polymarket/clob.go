package polymarket

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/polycopy/bot/internal/crypto"
	"github.com/polycopy/bot/internal/domain"
)

// usdcDecimals scales human amounts into base units: both USDC and outcome
// tokens use 6 decimals.
const usdcScale = 1e6

// zeroAddress is the open taker.
const zeroAddress = "0x0000000000000000000000000000000000000000"

// ClobClient is the REST client for the Polymarket CLOB order-entry API.
//
// The order salt is derived deterministically from the request's idempotency
// key, so resubmitting the same request produces a byte-identical signed
// order and the venue collapses duplicates instead of double-filling.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	creds      *crypto.APICreds
	funder     string // address holding the collateral (proxy wallet or EOA)
	sigType    int

	mu       sync.Mutex
	orderIDs map[string]string // idempotency key -> venue order id
}

// NewClobClient creates a CLOB client. creds may be nil until DeriveAPIKey
// has run. funder defaults to the signer address.
func NewClobClient(baseURL string, signer *crypto.Signer, creds *crypto.APICreds, funder string, sigType int) *ClobClient {
	if baseURL == "" {
		baseURL = DefaultClobURL
	}
	if funder == "" {
		funder = signer.Address().Hex()
	}
	return &ClobClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		signer:     signer,
		creds:      creds,
		funder:     funder,
		sigType:    sigType,
		orderIDs:   make(map[string]string),
	}
}

// DeriveAPIKey runs the L1 auth flow and installs the resulting L2
// credentials on the client.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) error {
	timestamp := time.Now().Unix()
	sig, err := c.signer.SignAuthMessage(timestamp, 0)
	if err != nil {
		return fmt.Errorf("polymarket/clob: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", c.signer.Address().Hex())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("POLY_NONCE", "0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("polymarket/clob: auth request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("polymarket/clob: auth failed (HTTP %d): %s", resp.StatusCode, string(body))
	}

	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(body, &authResp); err != nil {
		return fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}
	c.creds = &crypto.APICreds{
		Key:        authResp.APIKey,
		Secret:     authResp.Secret,
		Passphrase: authResp.Passphrase,
	}
	return nil
}

// Submit signs and posts a fill-or-kill order built from the request.
func (c *ClobClient) Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	payload, err := c.buildOrder(req)
	if err != nil {
		return domain.OrderResult{}, err
	}
	sig, err := c.signer.SignOrder(payload)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: %w: %s", domain.ErrSigningFailed, err)
	}

	side := "BUY"
	if req.Side == domain.OrderSideSell {
		side = "SELL"
	}
	body := map[string]any{
		"order": map[string]any{
			"salt":          payload.Salt,
			"maker":         payload.Maker,
			"signer":        payload.Signer,
			"taker":         payload.Taker,
			"tokenId":       payload.TokenID,
			"makerAmount":   payload.MakerAmount,
			"takerAmount":   payload.TakerAmount,
			"expiration":    payload.Expiration,
			"nonce":         payload.Nonce,
			"feeRateBps":    payload.FeeRateBps,
			"side":          side,
			"signatureType": payload.SignatureType,
			"signature":     sig,
		},
		"owner":     c.apiKey(),
		"orderType": "FOK",
	}

	respBody, err := c.doAuthenticated(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var api apiOrderResult
	if err := json.Unmarshal(respBody, &api); err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}

	result := c.toResult(req, api)
	if result.OrderID != "" {
		c.mu.Lock()
		c.orderIDs[req.IdempotencyKey] = result.OrderID
		c.mu.Unlock()
	}
	return result, nil
}

// QueryStatus resolves an earlier submission by its idempotency key. Returns
// domain.ErrNotFound when no order for the key ever reached the venue, which
// tells the caller a resubmission is safe.
func (c *ClobClient) QueryStatus(ctx context.Context, idempotencyKey string) (domain.OrderResult, error) {
	c.mu.Lock()
	orderID, ok := c.orderIDs[idempotencyKey]
	c.mu.Unlock()
	if !ok {
		return domain.OrderResult{}, domain.ErrNotFound
	}

	respBody, err := c.doAuthenticated(ctx, http.MethodGet, "/data/order/"+orderID, nil)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: get order %s: %w", orderID, err)
	}

	var api struct {
		Status       string `json:"status"`
		SizeMatched  string `json:"size_matched"`
		OriginalSize string `json:"original_size"`
		Price        string `json:"price"`
	}
	if err := json.Unmarshal(respBody, &api); err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: decode order: %w", err)
	}

	matched, _ := strconv.ParseFloat(api.SizeMatched, 64)
	original, _ := strconv.ParseFloat(api.OriginalSize, 64)
	price, _ := strconv.ParseFloat(api.Price, 64)

	result := domain.OrderResult{
		IdempotencyKey: idempotencyKey,
		OrderID:        orderID,
		FilledTokens:   matched,
		FilledUSD:      matched * price,
		AvgFillPrice:   price,
	}
	switch strings.ToUpper(api.Status) {
	case "MATCHED":
		result.Status = domain.OrderStatusFilled
	case "LIVE", "DELAYED":
		if matched > 0 && matched < original {
			result.Status = domain.OrderStatusPartiallyFilled
		} else {
			result.Status = domain.OrderStatusPending
		}
	case "CANCELED", "CANCELLED":
		if matched > 0 {
			result.Status = domain.OrderStatusPartiallyFilled
		} else {
			result.Status = domain.OrderStatusRejected
			result.Message = "order canceled"
		}
	default:
		result.Status = domain.OrderStatusPending
	}
	return result, nil
}

// Midpoints fetches the current midpoint price for each asset.
func (c *ClobClient) Midpoints(ctx context.Context, assetIDs []string) (map[string]float64, error) {
	params := make([]map[string]string, 0, len(assetIDs))
	for _, id := range assetIDs {
		params = append(params, map[string]string{"token_id": id})
	}
	respBody, err := c.doAuthenticated(ctx, http.MethodPost, "/midpoints", params)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: midpoints: %w", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("polymarket/clob: decode midpoints: %w", err)
	}
	out := make(map[string]float64, len(raw))
	for id, s := range raw {
		if v, err := strconv.ParseFloat(s, 64); err == nil && v > 0 {
			out[id] = v
		}
	}
	return out, nil
}

func (c *ClobClient) apiKey() string {
	if c.creds == nil {
		return ""
	}
	return c.creds.Key
}

// buildOrder converts the request into a signable Exchange order. Amounts are
// rounded to base units; the rounding always favors the book (never asks for
// more than the limit allows).
func (c *ClobClient) buildOrder(req domain.OrderRequest) (crypto.OrderPayload, error) {
	if req.LimitPrice <= 0 || req.LimitPrice >= 1 {
		return crypto.OrderPayload{}, fmt.Errorf("polymarket/clob: %w: limit price %.4f", domain.ErrInvalidOrder, req.LimitPrice)
	}

	var makerUnits, takerUnits int64
	if req.Side == domain.OrderSideBuy {
		if req.SizeUSD <= 0 {
			return crypto.OrderPayload{}, fmt.Errorf("polymarket/clob: %w: zero notional", domain.ErrInvalidOrder)
		}
		makerUnits = int64(math.Round(req.SizeUSD * usdcScale))
		takerUnits = int64(math.Floor(req.SizeUSD / req.LimitPrice * usdcScale))
	} else {
		if req.SizeTokens <= 0 {
			return crypto.OrderPayload{}, fmt.Errorf("polymarket/clob: %w: zero size", domain.ErrInvalidOrder)
		}
		makerUnits = int64(math.Round(req.SizeTokens * usdcScale))
		takerUnits = int64(math.Floor(req.SizeTokens * req.LimitPrice * usdcScale))
	}
	if makerUnits <= 0 || takerUnits <= 0 {
		return crypto.OrderPayload{}, fmt.Errorf("polymarket/clob: %w: amount rounds to zero", domain.ErrInvalidOrder)
	}

	sideNum := 0
	if req.Side == domain.OrderSideSell {
		sideNum = 1
	}
	return crypto.OrderPayload{
		Salt:          deterministicSalt(req.IdempotencyKey),
		Maker:         c.funder,
		Signer:        c.signer.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       req.AssetID,
		MakerAmount:   strconv.FormatInt(makerUnits, 10),
		TakerAmount:   strconv.FormatInt(takerUnits, 10),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          sideNum,
		SignatureType: c.sigType,
	}, nil
}

// toResult maps the submission response onto the domain result, classifying
// failures into retryable and definitive.
func (c *ClobClient) toResult(req domain.OrderRequest, api apiOrderResult) domain.OrderResult {
	result := domain.OrderResult{
		IdempotencyKey: req.IdempotencyKey,
		OrderID:        api.OrderID,
		Message:        api.ErrorMsg,
	}

	if !api.Success {
		result.Status = domain.OrderStatusRejected
		if retryableError(api.ErrorMsg) {
			result.Status = domain.OrderStatusFailed
			result.ShouldRetry = true
		}
		return result
	}

	making, _ := strconv.ParseFloat(api.MakingAmount, 64)
	taking, _ := strconv.ParseFloat(api.TakingAmount, 64)
	making /= usdcScale
	taking /= usdcScale

	switch strings.ToLower(api.Status) {
	case "matched":
		result.Status = domain.OrderStatusFilled
		if req.Side == domain.OrderSideBuy {
			result.FilledUSD = making
			result.FilledTokens = taking
		} else {
			result.FilledTokens = making
			result.FilledUSD = taking
		}
		if result.FilledTokens > 0 {
			result.AvgFillPrice = result.FilledUSD / result.FilledTokens
		}
		// A FOK that matched with no reported amounts filled at the limit.
		if result.FilledTokens == 0 {
			result.AvgFillPrice = req.LimitPrice
			if req.Side == domain.OrderSideBuy {
				result.FilledUSD = req.SizeUSD
				result.FilledTokens = req.SizeUSD / req.LimitPrice
			} else {
				result.FilledTokens = req.SizeTokens
				result.FilledUSD = req.SizeTokens * req.LimitPrice
			}
		}
	case "live", "delayed":
		result.Status = domain.OrderStatusPending
	default:
		result.Status = domain.OrderStatusPending
	}
	return result
}

// retryableError reports whether an errorMsg names a transient condition.
func retryableError(msg string) bool {
	m := strings.ToLower(msg)
	for _, s := range []string{"timeout", "timed out", "rate limit", "too many requests", "internal", "temporarily", "service unavailable"} {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}

// deterministicSalt derives the order salt from the idempotency key.
func deterministicSalt(key string) string {
	h := ethcrypto.Keccak256([]byte(key))
	return strconv.FormatUint(binary.BigEndian.Uint64(h[:8]), 10)
}

// doAuthenticated builds, signs, sends and reads a CLOB request.
func (c *ClobClient) doAuthenticated(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds != nil {
		for k, v := range c.creds.L2Headers(c.signer.Address().Hex(), method, path, bodyStr) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes onto domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
