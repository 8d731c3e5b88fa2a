// Package twelvedata implements market.Adapter on the Twelve Data REST API.
package twelvedata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/market"
	"github.com/mtemizkann/borsa-telegram-bot/internal/net/budget"
	"github.com/mtemizkann/borsa-telegram-bot/internal/net/circuit"
	"github.com/mtemizkann/borsa-telegram-bot/internal/net/ratelimit"
)

const provider = "twelvedata"

// Credit cost of each endpoint
const (
	timeSeriesCredits = 1
	statisticsCredits = 50
)

// Config holds Twelve Data client settings
type Config struct {
	BaseURL      string         `yaml:"base_url" json:"base_url"` // https://api.twelvedata.com
	APIKey       string         `yaml:"-" json:"-"`
	Exchange     string         `yaml:"exchange" json:"exchange"` // sent with every symbol when set, e.g. BIST
	Timeout      time.Duration  `yaml:"timeout" json:"timeout"`   // 15s
	RPS          float64        `yaml:"rps" json:"rps"`           // 8 per minute on the free plan
	Burst        int            `yaml:"burst" json:"burst"`
	DailyCredits int64          `yaml:"daily_credits" json:"daily_credits"` // 800, zero for unmetered plans
	Fundamentals bool           `yaml:"fundamentals" json:"fundamentals"`   // /statistics needs a paid plan
	Circuit      circuit.Config `yaml:"circuit" json:"circuit"`
}

// DefaultConfig returns settings for the free plan
func DefaultConfig() Config {
	return Config{
		BaseURL:      "https://api.twelvedata.com",
		Timeout:      15 * time.Second,
		RPS:          8.0 / 60.0,
		Burst:        8,
		DailyCredits: 800,
		Circuit:      circuit.DefaultConfig(provider),
	}
}

// Validate checks the client settings
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("twelvedata base url is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("twelvedata timeout must be positive, got %s", c.Timeout)
	}
	if c.RPS < 0 || c.DailyCredits < 0 {
		return errors.New("twelvedata rps and daily credits must not be negative")
	}
	return nil
}

var _ market.Adapter = (*Client)(nil)

// Client fetches daily bars and statistics from Twelve Data
type Client struct {
	config  Config
	client  *resty.Client
	breaker *circuit.Breaker
	limiter *ratelimit.Limiter
	credits *budget.Tracker
}

// NewClient creates a Twelve Data client. Requests fail with
// market.ErrUnavailable when no API key is configured.
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(config.BaseURL, "/"))
	client.SetTimeout(config.Timeout)
	client.SetHeader("Accept", "application/json")

	return &Client{
		config:  config,
		client:  client,
		breaker: circuit.NewBreaker(config.Circuit),
		limiter: ratelimit.NewLimiter(config.RPS, config.Burst),
		credits: budget.NewTracker(provider, config.DailyCredits, 0.8),
	}, nil
}

// Credits returns today's credit usage
func (c *Client) Credits() budget.Stats {
	return c.credits.Stats()
}

// BreakerState returns the state of the provider circuit
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

// apiError is the body Twelve Data returns with status "error", often with HTTP 200
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("twelvedata error %d: %s", e.Code, e.Message)
}

// request runs one metered, throttled and breaker-guarded GET. API errors
// for a bad symbol or plan are returned without tripping the breaker.
func (c *Client) request(ctx context.Context, path string, params map[string]string, credits int64) ([]byte, error) {
	if c.config.APIKey == "" {
		return nil, fmt.Errorf("%w: twelvedata api key not configured", market.ErrUnavailable)
	}
	warn, err := c.credits.Consume(credits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", market.ErrUnavailable, err)
	}
	if warn {
		st := c.credits.Stats()
		log.Warn().Str("provider", provider).Int64("used", st.Used).Int64("limit", st.Limit).
			Msg("Provider credit budget nearly spent")
	}
	if err := c.limiter.Wait(ctx, provider); err != nil {
		return nil, fmt.Errorf("%w: rate limit wait: %v", market.ErrUnavailable, err)
	}

	var body []byte
	var apiErr *apiError
	err = c.breaker.Call(ctx, func(ctx context.Context) error {
		q := map[string]string{"apikey": c.config.APIKey}
		for k, v := range params {
			q[k] = v
		}
		resp, err := c.client.R().SetContext(ctx).SetQueryParams(q).Get(path)
		if err != nil {
			return fmt.Errorf("failed to call %s: %w", path, err)
		}
		if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500 {
			return fmt.Errorf("%s returned HTTP %d", path, resp.StatusCode())
		}

		var status apiError
		if err := json.Unmarshal(resp.Body(), &status); err != nil {
			return fmt.Errorf("failed to parse %s response: %w", path, err)
		}
		if status.Status == "error" {
			if status.Code == http.StatusTooManyRequests || status.Code >= 500 {
				return &status
			}
			apiErr = &status
			return nil
		}
		if resp.StatusCode() != http.StatusOK {
			apiErr = &apiError{Code: resp.StatusCode(), Message: resp.String()}
			return nil
		}
		body = resp.Body()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", market.ErrUnavailable, err)
	}
	if apiErr != nil {
		return nil, fmt.Errorf("%w: %v", market.ErrUnavailable, apiErr)
	}
	return body, nil
}

func (c *Client) symbolParams(symbol string) map[string]string {
	p := map[string]string{"symbol": symbol}
	if c.config.Exchange != "" {
		p["exchange"] = c.config.Exchange
	}
	return p
}

type timeSeriesResponse struct {
	Values []struct {
		Datetime string `json:"datetime"`
		Open     string `json:"open"`
		High     string `json:"high"`
		Low      string `json:"low"`
		Close    string `json:"close"`
		Volume   string `json:"volume"`
	} `json:"values"`
}

// Bars fetches up to days daily bars, oldest first. Rows without a parseable
// open, high, low and close are dropped; a missing volume reads as zero.
func (c *Client) Bars(ctx context.Context, symbol string, days int) ([]market.Bar, error) {
	if days <= 0 {
		return nil, fmt.Errorf("days must be positive, got %d", days)
	}
	params := c.symbolParams(symbol)
	params["interval"] = "1day"
	params["outputsize"] = strconv.Itoa(days)

	body, err := c.request(ctx, "/time_series", params, timeSeriesCredits)
	if err != nil {
		return nil, err
	}
	var ts timeSeriesResponse
	if err := json.Unmarshal(body, &ts); err != nil {
		return nil, fmt.Errorf("%w: failed to parse time series for %s: %v", market.ErrUnavailable, symbol, err)
	}

	bars := make([]market.Bar, 0, len(ts.Values))
	for _, v := range ts.Values {
		at, err := parseTime(v.Datetime)
		if err != nil {
			continue
		}
		open, errO := strconv.ParseFloat(v.Open, 64)
		high, errH := strconv.ParseFloat(v.High, 64)
		low, errL := strconv.ParseFloat(v.Low, 64)
		closePx, errC := strconv.ParseFloat(v.Close, 64)
		if errO != nil || errH != nil || errL != nil || errC != nil {
			log.Debug().Str("symbol", symbol).Str("datetime", v.Datetime).Msg("Skipping bar with missing prices")
			continue
		}
		volume, _ := strconv.ParseFloat(v.Volume, 64)
		bars = append(bars, market.Bar{
			Symbol: symbol,
			Time:   at,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePx,
			Volume: volume,
		})
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: no bars returned for %s", market.ErrUnavailable, symbol)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	return bars, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", s)
}

type statisticsResponse struct {
	Statistics struct {
		Valuations struct {
			TrailingPE  *float64 `json:"trailing_pe"`
			PriceToBook *float64 `json:"price_to_book_mrq"`
		} `json:"valuations_metrics"`
		Financials struct {
			ROE          *float64 `json:"return_on_equity_ttm"` // fraction
			BalanceSheet struct {
				DebtToEquity *float64 `json:"total_debt_to_equity_mrq"` // percent
			} `json:"balance_sheet"`
		} `json:"financials"`
	} `json:"statistics"`
}

// Fundamentals fetches valuation ratios from /statistics when enabled
func (c *Client) Fundamentals(ctx context.Context, symbol string) (*market.Fundamentals, error) {
	if !c.config.Fundamentals {
		return nil, fmt.Errorf("%w: fundamentals disabled for %s", market.ErrUnavailable, symbol)
	}
	body, err := c.request(ctx, "/statistics", c.symbolParams(symbol), statisticsCredits)
	if err != nil {
		return nil, err
	}
	var sr statisticsResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("%w: failed to parse statistics for %s: %v", market.ErrUnavailable, symbol, err)
	}

	st := sr.Statistics
	f := &market.Fundamentals{
		PriceEarnings: st.Valuations.TrailingPE,
		PriceBook:     st.Valuations.PriceToBook,
	}
	if st.Financials.ROE != nil {
		f.ROE = market.Float(*st.Financials.ROE * 100)
	}
	if de := st.Financials.BalanceSheet.DebtToEquity; de != nil {
		f.DebtEquity = market.Float(*de / 100)
	}
	if f.Empty() {
		return nil, fmt.Errorf("%w: no statistics reported for %s", market.ErrUnavailable, symbol)
	}
	return f, nil
}

// News is not offered by Twelve Data
func (c *Client) News(_ context.Context, symbol string, _ time.Duration) ([]market.Headline, error) {
	return nil, fmt.Errorf("%w: no news feed for %s", market.ErrUnavailable, symbol)
}
