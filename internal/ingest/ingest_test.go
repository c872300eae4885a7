package ingest

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"signal-fusion/internal/fusion"
)

type call struct {
	key, source string
	weight      float64
	at          time.Time
	meta        map[string]string
}

type recordingRegistrar struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (r *recordingRegistrar) RegisterSignalAt(key, source string, weight float64, at time.Time, meta map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, call{key, source, weight, at, meta})
	return nil
}

func TestDecodeBatchSingleAndArray(t *testing.T) {
	single, err := DecodeBatch([]byte(` {"ca":"0xABC","source":"scanner","weight":30,"symbol":"ABC"}`))
	if err != nil || len(single) != 1 {
		t.Fatalf("单条消息解析失败: %v", err)
	}
	if single[0].Key() != "0xABC" || single[0].FullMetadata()[fusion.MetaSymbol] != "ABC" {
		t.Fatalf("ca 别名或 symbol 未生效: %+v", single[0])
	}

	batch, err := DecodeBatch([]byte(`[{"entity_key":"a","source":"s1","weight":1},{"entity_key":"b","source":"s2","weight":2}]`))
	if err != nil || len(batch) != 2 {
		t.Fatalf("批量解析失败: %v", err)
	}

	if _, err := DecodeBatch([]byte("  ")); err == nil {
		t.Fatal("空请求体应报错")
	}
}

func TestApplyRequiresWeight(t *testing.T) {
	reg := &recordingRegistrar{}
	m, err := Decode([]byte(`{"entity_key":"a","source":"s1"}`))
	if err != nil {
		t.Fatalf("decode 失败: %v", err)
	}
	if err := Apply(reg, m); !errors.Is(err, ErrMissingWeight) {
		t.Fatalf("缺少 weight 应报错, 实际 %v", err)
	}

	m, _ = Decode([]byte(`{"entity_key":"a","source":"s1","weight":0}`))
	if err := Apply(reg, m); err != nil {
		t.Fatalf("weight=0 是合法值: %v", err)
	}
	if len(reg.calls) != 1 || reg.calls[0].weight != 0 {
		t.Fatalf("未注册: %+v", reg.calls)
	}
}

func TestKafkaHandleUsesMessageTimestamp(t *testing.T) {
	reg := &recordingRegistrar{}
	c := &KafkaConsumer{registrar: reg, logger: zerolog.Nop()}
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	c.handle(&sarama.ConsumerMessage{Topic: "signals", Value: []byte(`{"entity_key":"k","source":"s","weight":5}`), Timestamp: ts})
	c.handle(&sarama.ConsumerMessage{Topic: "signals", Value: []byte(`not json`)})

	if len(reg.calls) != 1 {
		t.Fatalf("坏消息应被跳过, calls=%d", len(reg.calls))
	}
	if !reg.calls[0].at.Equal(ts) {
		t.Fatalf("应使用 Kafka 消息时间戳, 实际 %s", reg.calls[0].at)
	}
}

func TestSaramaConfig(t *testing.T) {
	cfg, err := saramaConfig(KafkaOptions{Version: "3.6.0", InitialOffset: "oldest"})
	if err != nil {
		t.Fatalf("config 失败: %v", err)
	}
	if cfg.Consumer.Offsets.Initial != sarama.OffsetOldest {
		t.Fatalf("initial offset 未生效")
	}
	if !cfg.Version.IsAtLeast(sarama.V3_6_0_0) {
		t.Fatalf("version 未生效: %s", cfg.Version)
	}
	if _, err := saramaConfig(KafkaOptions{Version: "banana"}); err == nil {
		t.Fatal("非法版本应报错")
	}
}
