package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const tokenAddr = "0x6b175474e89094c44da98b954eedeac495271d0f"

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestPairAPIPicksMostLiquidPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/tokens/"+tokenAddr) {
			t.Errorf("请求路径错误: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"pairs": []map[string]any{
				{
					"pairAddress": "0xaaa",
					"baseToken":   map[string]string{"address": strings.ToUpper(tokenAddr[:2]) + tokenAddr[2:], "symbol": "DAI"},
					"priceUsd":    "0.998",
					"liquidity":   map[string]float64{"usd": 1000},
				},
				{
					"pairAddress": "0xbbb",
					"baseToken":   map[string]string{"address": tokenAddr, "symbol": "DAI"},
					"priceUsd":    "1.001",
					"liquidity":   map[string]float64{"usd": 50000},
				},
				{
					"pairAddress": "0xccc",
					"baseToken":   map[string]string{"address": "0xother", "symbol": "OTHER"},
					"priceUsd":    "7",
					"liquidity":   map[string]float64{"usd": 900000},
				},
			},
		})
	}))
	defer srv.Close()

	api := NewPairAPI(PairOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	price, name, err := api.GetPrice(context.Background(), tokenAddr)
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("1.001")) {
		t.Fatalf("应选择流动性最高的交易对, 实际 %s", price)
	}
	if name != "DAI" {
		t.Fatalf("期望名称 DAI, 实际 %q", name)
	}
}

func TestPairAPINoPairs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"pairs":null}`))
	}))
	defer srv.Close()

	api := NewPairAPI(PairOptions{BaseURL: srv.URL}, noopLogger())
	if _, _, err := api.GetPrice(context.Background(), tokenAddr); !errors.Is(err, ErrNoPairs) {
		t.Fatalf("无交易对时应返回 ErrNoPairs, 实际 %v", err)
	}
}

func TestPairAPIHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "rate limited"})
	}))
	defer srv.Close()

	api := NewPairAPI(PairOptions{BaseURL: srv.URL}, noopLogger())
	_, _, err := api.GetPrice(context.Background(), tokenAddr)
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("HTTP 429 应返回错误, 实际 %v", err)
	}
}

func TestPairAPIMinLiquidity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"pairs":[{"baseToken":{"address":"` + tokenAddr + `"},"priceUsd":"1","liquidity":{"usd":10}}]}`))
	}))
	defer srv.Close()

	api := NewPairAPI(PairOptions{BaseURL: srv.URL, MinLiquidityUSD: 100}, noopLogger())
	if _, _, err := api.GetPrice(context.Background(), tokenAddr); !errors.Is(err, ErrNoPairs) {
		t.Fatalf("低流动性交易对应被忽略, 实际 %v", err)
	}
}

type fakeCaller struct {
	symbol string
	name   string
	calls  int
}

func (f *fakeCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	for method, value := range map[string]string{"symbol": f.symbol, "name": f.name} {
		m := erc20MetadataABI.Methods[method]
		if bytes.Equal(msg.Data[:4], m.ID) {
			return m.Outputs.Pack(value)
		}
	}
	return nil, errors.New("unknown selector")
}

func TestChainResolverSymbolThenName(t *testing.T) {
	caller := &fakeCaller{symbol: "PEPE"}
	r := NewChainResolver(ChainResolverOptions{}, noopLogger())
	r.caller = caller

	got, err := r.ResolveName(context.Background(), tokenAddr)
	if err != nil || got != "PEPE" {
		t.Fatalf("期望 PEPE, 实际 %q err=%v", got, err)
	}

	caller.symbol = ""
	caller.name = "Pepe Token"
	got, err = r.ResolveName(context.Background(), tokenAddr)
	if err != nil || got != "Pepe Token" {
		t.Fatalf("symbol 为空时应回退到 name, 实际 %q err=%v", got, err)
	}
}

func TestChainResolverRejectsNonAddress(t *testing.T) {
	r := NewChainResolver(ChainResolverOptions{RPCURL: "http://localhost"}, noopLogger())
	if _, err := r.ResolveName(context.Background(), "So11111111111111111111111111111111111111112"); !errors.Is(err, ErrNotContract) {
		t.Fatalf("非 EVM 地址应返回 ErrNotContract, 实际 %v", err)
	}
}

func TestChainResolverMissingConfig(t *testing.T) {
	r := NewChainResolver(ChainResolverOptions{}, noopLogger())
	if _, err := r.ResolveName(context.Background(), tokenAddr); err == nil {
		t.Fatal("未配置 RPC 时应报错")
	}
}

type stubLookup struct {
	price decimal.Decimal
	name  string
	err   error
	calls int32
}

func (s *stubLookup) GetPrice(ctx context.Context, key string) (decimal.Decimal, string, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.price, s.name, s.err
}

type stubNames struct {
	name string
	err  error
}

func (s stubNames) ResolveName(ctx context.Context, key string) (string, error) {
	return s.name, s.err
}

func TestWithNamesFallback(t *testing.T) {
	prices := &stubLookup{price: decimal.NewFromInt(2)}
	w := NewWithNames(prices, stubNames{name: "ABC"}, noopLogger())

	price, name, err := w.GetPrice(context.Background(), tokenAddr)
	if err != nil || name != "ABC" || !price.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("应补全名称: price=%s name=%q err=%v", price, name, err)
	}

	prices.err = ErrNoPairs
	price, name, err = w.GetPrice(context.Background(), tokenAddr)
	if err != nil || name != "ABC" || !price.IsZero() {
		t.Fatalf("价格失败时仍应返回链上名称: price=%s name=%q err=%v", price, name, err)
	}

	w = NewWithNames(prices, stubNames{err: ErrNotContract}, noopLogger())
	if _, _, err := w.GetPrice(context.Background(), tokenAddr); !errors.Is(err, ErrNoPairs) {
		t.Fatalf("两者都失败时应返回价格错误, 实际 %v", err)
	}
}

func TestCacheTTL(t *testing.T) {
	next := &stubLookup{price: decimal.NewFromInt(5), name: "X"}
	c := NewCache(next, time.Minute, 0)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, _, err := c.GetPrice(context.Background(), " ABC "); err != nil {
			t.Fatalf("不应报错: %v", err)
		}
	}
	if atomic.LoadInt32(&next.calls) != 1 {
		t.Fatalf("TTL 内应只调用一次上游, 实际 %d", next.calls)
	}

	now = now.Add(2 * time.Minute)
	if _, _, err := c.GetPrice(context.Background(), "abc"); err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if atomic.LoadInt32(&next.calls) != 2 {
		t.Fatalf("过期后应重新请求上游")
	}
}

func TestCacheSkipsErrors(t *testing.T) {
	next := &stubLookup{err: errors.New("boom")}
	c := NewCache(next, time.Minute, 0)
	_, _, _ = c.GetPrice(context.Background(), "abc")
	_, _, _ = c.GetPrice(context.Background(), "abc")
	if atomic.LoadInt32(&next.calls) != 2 {
		t.Fatalf("错误结果不应被缓存")
	}
}
