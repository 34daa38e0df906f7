// Package cachetest provides a compliance suite for cache.Cache implementations.
package cachetest

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/auditrt/internal/port/cache"
)

// RunComplianceTests runs the standard compliance test suite against any
// Cache implementation. Keys contain the characters used by snapshot keys.
func RunComplianceTests(t *testing.T, c cache.Cache) {
	t.Helper()
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := c.Set(ctx, "exec:audit-1", []byte("compliance-val"), time.Minute); err != nil {
			t.Fatal(err)
		}
		val, found, err := c.Get(ctx, "exec:audit-1")
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("expected found after Set")
		}
		if string(val) != "compliance-val" {
			t.Fatalf("expected compliance-val, got %s", val)
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		_, found, err := c.Get(ctx, "exec:missing")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss for nonexistent key")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Set(ctx, "exec:del", []byte("del-val"), time.Minute)
		if err := c.Delete(ctx, "exec:del"); err != nil {
			t.Fatal(err)
		}
		_, found, err := c.Get(ctx, "exec:del")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss after Delete")
		}
	})

	t.Run("DeleteNonexistent", func(t *testing.T) {
		if err := c.Delete(ctx, "exec:never"); err != nil {
			t.Fatal("Delete of nonexistent key should not error")
		}
	})

	t.Run("BinaryValue", func(t *testing.T) {
		want := []byte{0, 1, 2, 0xff, '{', '}'}
		if err := c.Set(ctx, "exec:bin", want, time.Minute); err != nil {
			t.Fatal(err)
		}
		got, found, err := c.Get(ctx, "exec:bin")
		if err != nil || !found || string(got) != string(want) {
			t.Fatalf("binary value not preserved: %v %v %v", got, found, err)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = c.Set(ctx, "exec:ow", []byte("v1"), time.Minute)
		_ = c.Set(ctx, "exec:ow", []byte("v2"), time.Minute)
		val, found, err := c.Get(ctx, "exec:ow")
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("expected found after overwrite")
		}
		if string(val) != "v2" {
			t.Fatalf("expected v2 after overwrite, got %s", val)
		}
	})
}
