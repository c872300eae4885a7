package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"signal-fusion/internal/fusion"
)

func newTestServer(t *testing.T) (*httptest.Server, *fusion.Engine) {
	t.Helper()
	eng, err := fusion.New(fusion.ConvictionSettings(), zerolog.Nop())
	if err != nil {
		t.Fatalf("engine 失败: %v", err)
	}
	srv := httptest.NewServer(NewServer(Options{MaxBatch: 3}, eng, zerolog.Nop()).Routes())
	t.Cleanup(srv.Close)
	return srv, eng
}

func post(t *testing.T, url, body string) (*http.Response, signalsResponse) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post 失败: %v", err)
	}
	defer resp.Body.Close()
	var out signalsResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestPostSignalsFiresAndListsAlert(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, out := post(t, srv.URL+"/v1/signals", `[
		{"entity_key":"0xABC","source":"scanner","weight":30,"symbol":"ABC"},
		{"entity_key":"0xabc","source":"wallet_buy","weight":20}
	]`)
	if resp.StatusCode != http.StatusAccepted || out.Accepted != 2 {
		t.Fatalf("期望 202 且接受 2 条, 实际 %d %+v", resp.StatusCode, out)
	}

	alertsResp, err := http.Get(srv.URL + "/v1/alerts?limit=5")
	if err != nil {
		t.Fatalf("get alerts 失败: %v", err)
	}
	defer alertsResp.Body.Close()
	var body struct {
		Alerts []fusion.AlertRecord `json:"alerts"`
		Count  int                  `json:"count"`
	}
	if err := json.NewDecoder(alertsResp.Body).Decode(&body); err != nil {
		t.Fatalf("decode 失败: %v", err)
	}
	if body.Count != 1 || body.Alerts[0].EntityKey != "0xabc" || body.Alerts[0].Score != 65 {
		t.Fatalf("告警列表错误: %+v", body)
	}
	if body.Alerts[0].Symbol != "ABC" {
		t.Fatalf("symbol 应来自 metadata: %+v", body.Alerts[0])
	}
}

func TestPostSignalsRejections(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, out := post(t, srv.URL+"/v1/signals", `{"entity_key":"","source":"scanner","weight":30}`)
	if resp.StatusCode != http.StatusBadRequest || len(out.Rejected) != 1 {
		t.Fatalf("空 key 应被拒绝: %d %+v", resp.StatusCode, out)
	}

	resp, _ = post(t, srv.URL+"/v1/signals", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("非法 JSON 应返回 400, 实际 %d", resp.StatusCode)
	}

	resp, _ = post(t, srv.URL+"/v1/signals", `[{},{},{},{}]`)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("超出批量上限应返回 413, 实际 %d", resp.StatusCode)
	}

	resp, out = post(t, srv.URL+"/v1/signals", `[{"entity_key":"k","source":"s","weight":-1},{"entity_key":"k","source":"s","weight":1}]`)
	if resp.StatusCode != http.StatusAccepted || out.Accepted != 1 || out.Rejected[0].Index != 0 {
		t.Fatalf("部分接受结果错误: %d %+v", resp.StatusCode, out)
	}
}

func TestGetEntity(t *testing.T) {
	srv, eng := newTestServer(t)
	if err := eng.RegisterSignal("tok", "scanner", 10, nil); err != nil {
		t.Fatalf("register 失败: %v", err)
	}

	resp, err := http.Get(srv.URL + "/v1/entities/TOK")
	if err != nil {
		t.Fatalf("get entity 失败: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		EntityKey string               `json:"entity_key"`
		State     string               `json:"state"`
		Events    []fusion.SignalEvent `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode 失败: %v", err)
	}
	if body.EntityKey != "tok" || body.State != "scoring" || len(body.Events) != 1 {
		t.Fatalf("实体查询结果错误: %+v", body)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("请求 %s 失败: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s 期望 200, 实际 %d", path, resp.StatusCode)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	eng, _ := fusion.New(fusion.ConvictionSettings(), zerolog.Nop())
	s := NewServer(Options{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}, eng, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run 返回错误: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server 未停止")
	}
}
