package cache

import (
	"testing"
	"time"
)

func TestSetGetDelete(t *testing.T) {
	c := New(time.Minute)

	c.Set("login:shopper@example.com", 3)

	v, ok := c.Get("login:shopper@example.com")
	if !ok {
		t.Fatalf("expected hit after Set")
	}
	if n, _ := v.(int); n != 3 {
		t.Fatalf("got %v, want 3", v)
	}

	c.Delete("login:shopper@example.com")

	if _, ok := c.Get("login:shopper@example.com"); ok {
		t.Fatalf("expected miss after Delete")
	}
}

func TestEntriesExpire(t *testing.T) {
	c := New(20 * time.Millisecond)

	c.Set("k", 1)

	time.Sleep(40 * time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Fatalf("entry should have lapsed")
	}
}

func TestClear(t *testing.T) {
	c := New(time.Minute)

	c.Set("a", 1)
	c.Set("b", 2)

	c.Clear()

	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected miss after Clear")
	}
	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected miss after Clear")
	}
}
