package hottier

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestFallbackKVWithTTL(t *testing.T) {
	f := NewFallback()
	defer f.Close()
	ctx := context.Background()

	if err := f.Set(ctx, "k", "v", 0); err != nil {
		t.Fatal(err)
	}
	got, err := f.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	if err := f.SetEx(ctx, "short", "x", 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if ok, _ := f.Exists(ctx, "short"); !ok {
		t.Fatal("short should exist before expiry")
	}
	time.Sleep(40 * time.Millisecond)
	if ok, _ := f.Exists(ctx, "short"); ok {
		t.Fatal("short should have expired")
	}
	if _, err := f.Get(ctx, "short"); !IsNotFound(err) {
		t.Fatalf("expected not-found after expiry, got %v", err)
	}
}

func TestFallbackSetNX(t *testing.T) {
	f := NewFallback()
	defer f.Close()
	ctx := context.Background()

	ok, err := f.SetNX(ctx, "lock", "holder-a", 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("first SetNX = %v, %v", ok, err)
	}
	ok, err = f.SetNX(ctx, "lock", "holder-b", 50*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("second SetNX should fail while held, got %v, %v", ok, err)
	}
	// expires, then a new holder can take it
	time.Sleep(70 * time.Millisecond)
	ok, err = f.SetNX(ctx, "lock", "holder-b", 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("SetNX after expiry = %v, %v", ok, err)
	}
}

func TestFallbackEvalCompareScripts(t *testing.T) {
	f := NewFallback()
	defer f.Close()
	ctx := context.Background()

	if err := f.Set(ctx, "lk", "tok", 0); err != nil {
		t.Fatal(err)
	}

	t.Run("compare-del wrong holder", func(t *testing.T) {
		res, err := f.Eval(ctx, ScriptCompareDel, []string{"lk"}, "other")
		if err != nil {
			t.Fatal(err)
		}
		if res.(int64) != 0 {
			t.Errorf("result = %v, want 0", res)
		}
		if ok, _ := f.Exists(ctx, "lk"); !ok {
			t.Error("key must survive mismatched delete")
		}
	})

	t.Run("compare-pexpire right holder", func(t *testing.T) {
		res, err := f.Eval(ctx, ScriptComparePExpire, []string{"lk"}, "tok", "30000")
		if err != nil {
			t.Fatal(err)
		}
		if res.(int64) != 1 {
			t.Errorf("result = %v, want 1", res)
		}
		ttl, err := f.PTTL(ctx, "lk")
		if err != nil {
			t.Fatal(err)
		}
		if ttl <= 0 || ttl > 30*time.Second {
			t.Errorf("ttl = %s after pexpire", ttl)
		}
	})

	t.Run("compare-del right holder", func(t *testing.T) {
		res, err := f.Eval(ctx, ScriptCompareDel, []string{"lk"}, "tok")
		if err != nil {
			t.Fatal(err)
		}
		if res.(int64) != 1 {
			t.Errorf("result = %v, want 1", res)
		}
		if ok, _ := f.Exists(ctx, "lk"); ok {
			t.Error("key should be gone")
		}
	})

	t.Run("unknown script", func(t *testing.T) {
		_, err := f.Eval(ctx, `return 42`, []string{"lk"}, "x")
		if !IsUnsupported(err) {
			t.Errorf("expected command-unsupported, got %v", err)
		}
	})
}

func TestFallbackJSONPaths(t *testing.T) {
	f := NewFallback()
	defer f.Close()
	ctx := context.Background()

	doc := map[string]any{"_id": "m1", "content": "hi", "readers": []any{}}
	if err := f.JSONSet(ctx, "message:m1", "$", doc); err != nil {
		t.Fatal(err)
	}

	raw, err := f.JSONGet(ctx, "message:m1", "$")
	if err != nil {
		t.Fatal(err)
	}
	var back map[string]any
	if err := json.Unmarshal([]byte(raw), &back); err != nil {
		t.Fatal(err)
	}
	if back["content"] != "hi" {
		t.Errorf("content = %v", back["content"])
	}

	// single-field update, then read back just that field
	if err := f.JSONSet(ctx, "message:m1", "$.readers", []map[string]any{{"userId": "u1"}}); err != nil {
		t.Fatal(err)
	}
	rawReaders, err := f.JSONGet(ctx, "message:m1", "$.readers")
	if err != nil {
		t.Fatal(err)
	}
	var readers []map[string]any
	if err := json.Unmarshal([]byte(rawReaders), &readers); err != nil {
		t.Fatal(err)
	}
	if len(readers) != 1 || readers[0]["userId"] != "u1" {
		t.Errorf("readers = %v", readers)
	}

	// whole doc still carries the update
	raw, _ = f.JSONGet(ctx, "message:m1", "$")
	if err := json.Unmarshal([]byte(raw), &back); err != nil {
		t.Fatal(err)
	}
	if _, ok := back["readers"].([]any); !ok {
		t.Errorf("readers missing from whole doc: %v", back)
	}

	t.Run("missing field", func(t *testing.T) {
		if _, err := f.JSONGet(ctx, "message:m1", "$.nope"); !IsNotFound(err) {
			t.Errorf("expected not-found, got %v", err)
		}
	})

	t.Run("set field on missing key", func(t *testing.T) {
		err := f.JSONSet(ctx, "message:nope", "$.readers", "[]")
		if !IsNotFound(err) {
			t.Errorf("expected not-found, got %v", err)
		}
	})

	t.Run("deep path unsupported", func(t *testing.T) {
		if _, err := f.JSONGet(ctx, "message:m1", "$.a.b"); !IsUnsupported(err) {
			t.Errorf("expected command-unsupported, got %v", err)
		}
	})

	t.Run("delete field", func(t *testing.T) {
		if err := f.JSONDel(ctx, "message:m1", "$.readers"); err != nil {
			t.Fatal(err)
		}
		if _, err := f.JSONGet(ctx, "message:m1", "$.readers"); !IsNotFound(err) {
			t.Errorf("expected not-found after delete, got %v", err)
		}
	})
}

func TestFallbackJSONSetRawString(t *testing.T) {
	f := NewFallback()
	defer f.Close()
	ctx := context.Background()

	// string values must already be JSON, matching the engine convention
	if err := f.JSONSet(ctx, "k", "$", `{"a":1}`); err != nil {
		t.Fatal(err)
	}
	if err := f.JSONSet(ctx, "k2", "$", "not json"); err == nil {
		t.Fatal("expected error for invalid raw JSON string")
	}
}

func TestFallbackPubSubLocalDispatch(t *testing.T) {
	f := NewFallback()
	defer f.Close()
	ctx := context.Background()

	got := make(chan string, 1)
	if err := f.Subscribe(ctx, "cross_instance:message_sync", func(channel string, payload []byte) {
		got <- string(payload)
	}); err != nil {
		t.Fatal(err)
	}

	if err := f.Publish(ctx, "cross_instance:message_sync", []byte(`{"op":"x"}`)); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-got:
		if p != `{"op":"x"}` {
			t.Errorf("payload = %s", p)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}

	// other channels do not leak in
	if err := f.Publish(ctx, "cross_instance:health_check", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-got:
		t.Fatalf("unexpected delivery: %s", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFallbackUnsupportedOperations(t *testing.T) {
	f := NewFallback()
	defer f.Close()
	ctx := context.Background()

	if _, err := f.Search(ctx, "idx", "*", SearchOptions{}); !IsUnsupported(err) {
		t.Errorf("Search: expected command-unsupported, got %v", err)
	}
	if _, err := f.StreamAppend(ctx, "s", map[string]any{"a": 1}); !IsUnsupported(err) {
		t.Errorf("StreamAppend: expected command-unsupported, got %v", err)
	}
	if _, err := f.StreamReadGroup(ctx, "s", "g", "c", time.Second, 1); !IsUnsupported(err) {
		t.Errorf("StreamReadGroup: expected command-unsupported, got %v", err)
	}
	if err := f.IndexCreate(ctx, "idx", IndexDefinition{}); !IsUnsupported(err) {
		t.Errorf("IndexCreate: expected command-unsupported, got %v", err)
	}
}
