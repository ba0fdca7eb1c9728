package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fartnode/distributor/utils/pkg/retry"
)

// ErrInvalidPrice is returned when the oracle response carries no usable
// SOL price or the price is outside (0, MaxPrice].
var ErrInvalidPrice = errors.New("invalid SOL price")

// MaxPrice is the sanity bound on a USD price per SOL.
var MaxPrice = decimal.NewFromInt(1_000_000)

const maxBodyBytes = 1 << 20

type QuoteKind int

const (
	QuoteMalformed QuoteKind = iota
	QuoteOK
)

// Quote is a parsed oracle response. Price is set only when Kind is QuoteOK;
// Raw always holds the response body.
type Quote struct {
	Kind  QuoteKind
	Price decimal.Decimal
	Raw   []byte
}

type priceField struct {
	Price json.RawMessage `json:"price"`
}

// ParseQuote extracts the SOL price from any of the accepted response
// shapes, in order: {"data":{"SOL":{"price":..}}}, {"SOL":{"price":..}},
// {"price":..}. The price may be a JSON number or a numeric string.
func ParseQuote(body []byte) Quote {
	malformed := Quote{Kind: QuoteMalformed, Raw: body}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return malformed
	}

	var nested struct {
		SOL *priceField `json:"SOL"`
	}
	if raw, ok := top["data"]; ok && json.Unmarshal(raw, &nested) == nil && nested.SOL != nil {
		if p, ok := parsePrice(nested.SOL.Price); ok {
			return Quote{Kind: QuoteOK, Price: p, Raw: body}
		}
	}

	var sol priceField
	if raw, ok := top["SOL"]; ok && json.Unmarshal(raw, &sol) == nil {
		if p, ok := parsePrice(sol.Price); ok {
			return Quote{Kind: QuoteOK, Price: p, Raw: body}
		}
	}

	if p, ok := parsePrice(top["price"]); ok {
		return Quote{Kind: QuoteOK, Price: p, Raw: body}
	}
	return malformed
}

func parsePrice(raw json.RawMessage) (decimal.Decimal, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.Decimal{}, false
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(raw); err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

type Config struct {
	Logger     *slog.Logger
	URL        string
	HTTPClient *http.Client
	Retry      retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.URL == "" {
		return errors.New("price api url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Client fetches the USD price of SOL.
type Client struct {
	log *slog.Logger
	cfg Config
	url string
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse price api url: %w", err)
	}
	q := u.Query()
	if !q.Has("ids") {
		q.Set("ids", "SOL")
		u.RawQuery = q.Encode()
	}
	return &Client{
		log: cfg.Logger,
		cfg: cfg,
		url: u.String(),
	}, nil
}

// SOLPrice returns the current USD price of one SOL.
func (c *Client) SOLPrice(ctx context.Context) (decimal.Decimal, error) {
	body, err := retry.DoValue(ctx, c.cfg.Retry, func() ([]byte, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to fetch SOL price: %w", err)
	}

	quote := ParseQuote(body)
	if quote.Kind != QuoteOK {
		c.log.Warn("pricing: malformed price response", "body", truncate(quote.Raw, 256))
		return decimal.Decimal{}, fmt.Errorf("%w: response did not contain a numeric SOL price", ErrInvalidPrice)
	}
	if !quote.Price.IsPositive() || quote.Price.GreaterThan(MaxPrice) {
		return decimal.Decimal{}, fmt.Errorf("%w: %s outside expected range", ErrInvalidPrice, quote.Price)
	}

	c.log.Debug("pricing: fetched SOL price", "price", quote.Price.String())
	return quote.Price, nil
}

func (c *Client) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &retry.StatusError{Code: resp.StatusCode, Body: string(truncate(body, 256))}
	}
	return body, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
