package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const tokensPath = "/tokens/"

// ErrNoPairs means the pair API knows no priced pool for the token.
var ErrNoPairs = errors.New("pricing: no priced pair for token")

// PairOptions parameterise the token-pair price API client.
type PairOptions struct {
	BaseURL         string
	Timeout         time.Duration
	UserAgent       string
	MinLiquidityUSD float64
}

// PairAPI resolves spot prices from a DexScreener-compatible token-pairs API.
// The most liquid pair quoting the token as base wins.
type PairAPI struct {
	opts    PairOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewPairAPI constructs a pair API client.
func NewPairAPI(opts PairOptions, logger zerolog.Logger) *PairAPI {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.dexscreener.com/latest/dex"
	}

	return &PairAPI{
		opts:    opts,
		logger:  logger.With().Str("component", "pair_price").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// GetPrice returns the USD price and display name of the token behind key.
func (p *PairAPI) GetPrice(ctx context.Context, key string) (decimal.Decimal, string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return decimal.Decimal{}, "", errors.New("token key required")
	}

	endpoint := p.baseURL + tokensPath + url.PathEscape(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, "", err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "signal-fusion/1.0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, "", err
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, "", parseHTTPError(resp.StatusCode, payload)
	}

	var res pairsResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return decimal.Decimal{}, "", fmt.Errorf("decode pairs: %w", err)
	}

	best, ok := p.bestPair(key, res.Pairs)
	if !ok {
		return decimal.Decimal{}, "", ErrNoPairs
	}

	price, err := decimal.NewFromString(best.PriceUSD)
	if err != nil {
		return decimal.Decimal{}, "", fmt.Errorf("parse price: %w", err)
	}

	name := strings.TrimSpace(best.BaseToken.Symbol)
	if name == "" {
		name = strings.TrimSpace(best.BaseToken.Name)
	}
	p.logger.Debug().Str("key", key).Str("pair", best.PairAddress).Str("price", price.String()).Msg("price resolved")
	return price, name, nil
}

func (p *PairAPI) bestPair(key string, pairs []pair) (pair, bool) {
	var (
		best  pair
		found bool
	)
	for _, candidate := range pairs {
		if !strings.EqualFold(candidate.BaseToken.Address, key) {
			continue
		}
		if candidate.PriceUSD == "" {
			continue
		}
		if candidate.Liquidity.USD < p.opts.MinLiquidityUSD {
			continue
		}
		if !found || candidate.Liquidity.USD > best.Liquidity.USD {
			best = candidate
			found = true
		}
	}
	return best, found
}

type pairsResponse struct {
	Pairs []pair `json:"pairs"`
}

type pair struct {
	ChainID     string `json:"chainId"`
	PairAddress string `json:"pairAddress"`
	BaseToken   struct {
		Address string `json:"address"`
		Name    string `json:"name"`
		Symbol  string `json:"symbol"`
	} `json:"baseToken"`
	PriceUSD  string `json:"priceUsd"`
	Liquidity struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("pair api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("pair api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("pair api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("pair api error (%d)", status)
}

var _ Lookup = (*PairAPI)(nil)
