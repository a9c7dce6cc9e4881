package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCacheSetPeekDelete(t *testing.T) {
	c := New(Options{TTL: 50 * time.Millisecond, MaxEntries: 10})

	c.Set("alpha", "value", 50*time.Millisecond)
	if val, ok := c.Peek("alpha"); !ok || val.(string) != "value" {
		t.Fatalf("expected peeked value")
	}

	c.Delete("alpha")
	if _, ok := c.Peek("alpha"); ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestCachePeekExpired(t *testing.T) {
	c := New(Options{TTL: time.Minute, MaxEntries: 10})

	c.Set("alpha", "value", 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	if _, ok := c.Peek("alpha"); ok {
		t.Fatalf("expected expired entry to be invisible")
	}
}

func TestCacheGetCachesLoad(t *testing.T) {
	c := New(Options{TTL: time.Minute, MaxEntries: 10})

	var mu sync.Mutex
	callCount := 0
	loader := func(_ context.Context, _ string) (interface{}, bool, error) {
		mu.Lock()
		callCount++
		count := callCount
		mu.Unlock()
		return count, true, nil
	}

	val, ok, err := c.Get(context.Background(), "alpha", loader)
	if err != nil || !ok || val.(int) != 1 {
		t.Fatalf("expected first load, got val=%v ok=%v err=%v", val, ok, err)
	}

	val, ok, err = c.Get(context.Background(), "alpha", loader)
	if err != nil || !ok || val.(int) != 1 {
		t.Fatalf("expected cache hit, got val=%v ok=%v err=%v", val, ok, err)
	}
}

func TestCacheNegativeTTL(t *testing.T) {
	c := New(Options{TTL: 50 * time.Millisecond, NegativeTTL: 30 * time.Millisecond, MaxEntries: 10})

	var mu sync.Mutex
	callCount := 0
	errBoom := errors.New("boom")
	loader := func(_ context.Context, _ string) (interface{}, bool, error) {
		mu.Lock()
		callCount++
		mu.Unlock()
		return nil, false, errBoom
	}

	_, ok, err := c.Get(context.Background(), "neg", loader)
	if ok || err == nil {
		t.Fatalf("expected negative load error")
	}

	_, ok, err = c.Get(context.Background(), "neg", loader)
	if ok || err == nil {
		t.Fatalf("expected cached negative error")
	}

	mu.Lock()
	firstCount := callCount
	mu.Unlock()
	if firstCount != 1 {
		t.Fatalf("expected single loader call, got %d", firstCount)
	}

	time.Sleep(35 * time.Millisecond)
	_, _, _ = c.Get(context.Background(), "neg", loader)

	mu.Lock()
	secondCount := callCount
	mu.Unlock()
	if secondCount < 2 {
		t.Fatalf("expected loader to run again after negative ttl")
	}
}

func TestCacheEviction(t *testing.T) {
	c := New(Options{TTL: time.Minute, MaxEntries: 2})

	c.Set("first", "one", time.Minute)
	c.Set("second", "two", time.Minute)
	c.Set("third", "three", time.Minute)

	if _, ok := c.Peek("first"); ok {
		t.Fatalf("expected first entry to be evicted")
	}
	if _, ok := c.Peek("second"); !ok {
		t.Fatalf("expected second entry to remain")
	}
	if _, ok := c.Peek("third"); !ok {
		t.Fatalf("expected third entry to remain")
	}
}
