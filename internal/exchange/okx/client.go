package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"time"

	"trade_engine/internal/exchange"

	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const venue = "okx"

type Config struct {
	APIKey     string  `mapstructure:"api_key" yaml:"api_key"`
	APISecret  string  `mapstructure:"api_secret" yaml:"-"`
	Passphrase string  `mapstructure:"passphrase" yaml:"-"`
	BaseURL    string  `mapstructure:"base_url" yaml:"base_url"`
	WSURL      string  `mapstructure:"ws_url" yaml:"ws_url"`
	RatePerSec float64 `mapstructure:"rate_per_sec" yaml:"rate_per_sec"`
	Burst      int     `mapstructure:"burst" yaml:"burst"`
	// TdMode is cross, isolated or cash.
	TdMode string `mapstructure:"td_mode" yaml:"td_mode"`
	Demo   bool   `mapstructure:"demo" yaml:"demo"`
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

var _ exchange.Exchange = (*Client)(nil)

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.okx.com"
	}
	if cfg.WSURL == "" {
		cfg.WSURL = "wss://ws.okx.com:8443/ws/v5/business"
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.TdMode == "" {
		cfg.TdMode = "cross"
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		now:     time.Now,
	}
}

func (c *Client) Name() string { return venue }

func (c *Client) sign(ts, method, requestPath, body string) string {
	msg := ts + strings.ToUpper(method) + requestPath + body
	h := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	h.Write([]byte(msg))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// itemStatus carries per-item results of trade endpoints.
type itemStatus struct {
	SCode string `json:"sCode"`
	SMsg  string `json:"sMsg"`
}

// do sends a signed request and decodes data into out.
func (c *Client) do(ctx context.Context, op, method, requestPath string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return exchange.Wrap(err, venue, op)
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = sonic.Marshal(body); err != nil {
			return &exchange.Error{Kind: exchange.KindParse, Venue: venue, Op: op, Err: err}
		}
	}

	ts := c.now().UTC().Format("2006-01-02T15:04:05.000Z")
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+requestPath, bytes.NewReader(payload))
	if err != nil {
		return &exchange.Error{Kind: exchange.KindUnknown, Venue: venue, Op: op, Err: err}
	}
	req.Header.Set("OK-ACCESS-KEY", c.cfg.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", c.sign(ts, method, requestPath, string(payload)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.cfg.Passphrase)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Demo {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return exchange.Wrap(err, venue, op)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &exchange.Error{Kind: exchange.KindDisconnected, Venue: venue, Op: op, Err: err}
	}

	code := gjson.GetBytes(data, "code").String()
	msg := gjson.GetBytes(data, "msg").String()

	if resp.StatusCode/100 != 2 {
		return httpError(op, resp.StatusCode, code, firstNonEmpty(msg, string(data)))
	}
	if !gjson.ValidBytes(data) {
		return &exchange.Error{Kind: exchange.KindParse, Venue: venue, Op: op, Msg: string(data)}
	}
	if code != "0" {
		// trade endpoints put the real reason into data[0].sCode
		if sc := gjson.GetBytes(data, "data.0.sCode").String(); sc != "" && sc != "0" {
			return codeError(op, sc, gjson.GetBytes(data, "data.0.sMsg").String())
		}
		return codeError(op, code, msg)
	}
	if out == nil {
		return nil
	}
	if raw := gjson.GetBytes(data, "data").Raw; raw != "" {
		if err := sonic.UnmarshalString(raw, out); err != nil {
			return &exchange.Error{Kind: exchange.KindParse, Venue: venue, Op: op, Msg: raw, Err: err}
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
