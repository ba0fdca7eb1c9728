package pumpportal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/fartnode/distributor/distributor/pkg/submit"
	"github.com/fartnode/distributor/utils/pkg/retry"
)

const (
	actionCollectCreatorFee = "collectCreatorFee"
	maxBodyBytes            = 1 << 20
)

type Step string

const (
	StepBalance   Step = "balance"
	StepRequest   Step = "request"
	StepDecode    Step = "decode"
	StepSign      Step = "sign"
	StepBroadcast Step = "broadcast"
	StepConfirm   Step = "confirm"
)

// ClaimError reports the step at which a fee claim failed. A claim either
// confirmed or it did not; there is no partial state to reconcile.
type ClaimError struct {
	Step      Step
	Signature solana.Signature
	Err       error
}

func (e *ClaimError) Error() string {
	if !e.Signature.IsZero() {
		return fmt.Sprintf("fee claim failed at %s (signature %s): %v", e.Step, e.Signature, e.Err)
	}
	return fmt.Sprintf("fee claim failed at %s: %v", e.Step, e.Err)
}

func (e *ClaimError) Unwrap() error { return e.Err }

// ClaimResult is the outcome of a confirmed claim. ClaimedLamports is the
// creator balance gain, floored at zero.
type ClaimResult struct {
	Signature       solana.Signature
	ClaimedLamports uint64
	BeforeLamports  uint64
	AfterLamports   uint64
}

// Ledger is the network surface the claim needs.
type Ledger interface {
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)
	LatestBlockhash(ctx context.Context) (submit.Freshness, error)
	Broadcast(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	Confirm(ctx context.Context, sig solana.Signature, freshness submit.Freshness) error
}

type ResponseKind int

const (
	ResponseMalformed ResponseKind = iota
	ResponseOK
)

// Response is a parsed claim API response. Transaction holds the decoded
// wire bytes when Kind is ResponseOK.
type Response struct {
	Kind        ResponseKind
	Transaction []byte
	Raw         []byte
}

// ParseResponse requires a non-empty base64 "transaction" field.
func ParseResponse(body []byte) Response {
	malformed := Response{Kind: ResponseMalformed, Raw: body}

	var payload struct {
		Transaction *string `json:"transaction"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Transaction == nil {
		return malformed
	}
	encoded := strings.TrimSpace(*payload.Transaction)
	if encoded == "" {
		return malformed
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) == 0 {
		return malformed
	}
	return Response{Kind: ResponseOK, Transaction: raw, Raw: body}
}

type Config struct {
	Logger     *slog.Logger
	URL        string
	HTTPClient *http.Client
	Ledger     Ledger
	Mint       solana.PublicKey
	Creator    solana.PrivateKey
	Retry      retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.URL == "" {
		return errors.New("pump portal url is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Mint.IsZero() {
		return errors.New("mint is required")
	}
	if len(cfg.Creator) != 64 {
		return errors.New("creator key is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Client claims accumulated creator fees through PumpPortal.
type Client struct {
	log     *slog.Logger
	cfg     Config
	creator solana.PublicKey
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log:     cfg.Logger,
		cfg:     cfg,
		creator: cfg.Creator.PublicKey(),
	}, nil
}

// Claim requests a collectCreatorFee transaction, signs it as the creator,
// sends it and waits for confirmation. The claimed amount is measured from
// the creator balance before and after.
func (c *Client) Claim(ctx context.Context) (*ClaimResult, error) {
	before, err := c.cfg.Ledger.Balance(ctx, c.creator)
	if err != nil {
		return nil, &ClaimError{Step: StepBalance, Err: err}
	}

	body, err := retry.DoValue(ctx, c.cfg.Retry, func() ([]byte, error) {
		return c.request(ctx)
	})
	if err != nil {
		return nil, &ClaimError{Step: StepRequest, Err: err}
	}

	resp := ParseResponse(body)
	if resp.Kind != ResponseOK {
		c.log.Warn("pumpportal: malformed claim response", "body", string(truncate(resp.Raw, 256)))
		return nil, &ClaimError{Step: StepDecode, Err: errors.New("response missing transaction field")}
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(resp.Transaction))
	if err != nil {
		return nil, &ClaimError{Step: StepDecode, Err: fmt.Errorf("failed to decode transaction: %w", err)}
	}
	if !tx.IsSigner(c.creator) {
		return nil, &ClaimError{Step: StepSign, Err: fmt.Errorf("creator %s is not a signer of the claim transaction", c.creator)}
	}
	if _, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.creator) {
			return &c.cfg.Creator
		}
		return nil
	}); err != nil {
		return nil, &ClaimError{Step: StepSign, Err: err}
	}

	// The portal's blockhash is no newer than ours, so our expiry height
	// bounds the confirmation wait.
	freshness, err := c.cfg.Ledger.LatestBlockhash(ctx)
	if err != nil {
		return nil, &ClaimError{Step: StepBroadcast, Err: err}
	}

	sig, err := c.cfg.Ledger.Broadcast(ctx, tx)
	if err != nil {
		return nil, &ClaimError{Step: StepBroadcast, Err: err}
	}
	c.log.Info("pumpportal: submitted creator fee claim", "signature", sig.String())

	if err := c.cfg.Ledger.Confirm(ctx, sig, freshness); err != nil {
		return nil, &ClaimError{Step: StepConfirm, Signature: sig, Err: err}
	}

	after, err := c.cfg.Ledger.Balance(ctx, c.creator)
	if err != nil {
		return nil, &ClaimError{Step: StepBalance, Signature: sig, Err: err}
	}

	var claimed uint64
	if after > before {
		claimed = after - before
	}
	return &ClaimResult{
		Signature:       sig,
		ClaimedLamports: claimed,
		BeforeLamports:  before,
		AfterLamports:   after,
	}, nil
}

func (c *Client) request(ctx context.Context) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{
		"action":  actionCollectCreatorFee,
		"mint":    c.cfg.Mint.String(),
		"creator": c.creator.String(),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
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
