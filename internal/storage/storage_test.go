package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"signal-fusion/internal/fusion"
)

func TestMigrationFilesSorted(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_b.sql", "001_a.sql", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("select 1;"), 0o600); err != nil {
			t.Fatalf("write 失败: %v", err)
		}
	}

	files, err := migrationFiles(dir)
	if err != nil {
		t.Fatalf("migrationFiles 失败: %v", err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "001_a.sql" || filepath.Base(files[1]) != "002_b.sql" {
		t.Fatalf("迁移文件顺序错误: %v", files)
	}

	if _, err := migrationFiles(""); err == nil {
		t.Fatal("空目录应报错")
	}
}

func TestUnconfiguredStore(t *testing.T) {
	var s *Store
	ctx := context.Background()

	if _, _, err := s.Save(ctx, fusion.AlertRecord{EntityKey: "0xabc", FiredAt: time.Now()}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Save 期望 ErrNotConfigured, 实际 %v", err)
	}
	if _, err := s.ListRecentAlerts(ctx, 10); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("ListRecentAlerts 期望 ErrNotConfigured, 实际 %v", err)
	}
	if _, _, err := NewStore(nil).TryAdvisoryLock(ctx, 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("TryAdvisoryLock 期望 ErrNotConfigured, 实际 %v", err)
	}
	s.Close()
}

func TestAlertRowHelpers(t *testing.T) {
	row := AlertRow{EntityKey: "0xabc"}
	if row.Label() != "0xabc" {
		t.Fatalf("缺省 label 应为 entity key: %q", row.Label())
	}
	row.Symbol = "ABC"
	if row.Label() != "ABC" {
		t.Fatalf("label 应使用 symbol: %q", row.Label())
	}

	if _, ok := row.Return("price_1h"); ok {
		t.Fatal("无 follow-up 时不应返回收益")
	}
	row.FollowUps = map[string]FollowUpRow{"price_1h": {Field: "price_1h", ReturnPct: decimal.NewFromInt(-12)}}
	if ret, ok := row.Return("price_1h"); !ok || !ret.Equal(decimal.NewFromInt(-12)) {
		t.Fatalf("收益读取错误: %s %v", ret, ok)
	}

	if nullableText("") != nil || nullableText("x") != "x" {
		t.Fatal("nullableText 行为错误")
	}
}
