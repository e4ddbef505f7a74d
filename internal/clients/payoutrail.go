// Package clients holds thin HTTP clients for external collaborators.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"seerpay/internal/model"
)

// PayoutRailClient submits transfers to the external payout rail. The rail
// is idempotent on the Idempotency-Key header, so retrying a transfer with
// the same reference cannot pay twice.
type PayoutRailClient struct {
	baseURL string
	httpc   *http.Client
	log     *zap.Logger
}

func NewPayoutRailClient(baseURL string, timeout time.Duration, log *zap.Logger) *PayoutRailClient {
	return &PayoutRailClient{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
		log:     log,
	}
}

type transferRequest struct {
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference"`
}

// Transfer requests one payout. Any transport or non-2xx failure returns
// ErrExternalCall; the caller must not assume the transfer applied.
func (c *PayoutRailClient) Transfer(ctx context.Context, destination string, amount decimal.Decimal, reference string) error {
	body, err := json.Marshal(transferRequest{
		Destination: destination,
		Amount:      amount.String(),
		Currency:    "usd",
		Reference:   reference,
	})
	if err != nil {
		return errors.Wrap(err, "marshal transfer request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transfers", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build transfer request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", reference)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrapf(model.ErrExternalCall, "payout rail: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.log.Warn("payout rail rejected transfer",
			zap.Int("status", resp.StatusCode),
			zap.String("reference", reference),
			zap.ByteString("body", snippet))
		return errors.Wrapf(model.ErrExternalCall, "payout rail returned %d", resp.StatusCode)
	}
	return nil
}
