package utils

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey_Deterministic(t *testing.T) {
	first := EventKey("org", "Summer Show")
	second := EventKey("org", "Summer Show")
	assert.Equal(t, first, second)
	assert.Len(t, first, 64) // hex of a 256 bit digest
}

func TestDeriveKey_DistinctInputs(t *testing.T) {
	keys := []string{
		EventKey("org", "Show"),
		EventKey("org", "Show 2"),
		EventKey("other", "Show"),
		TicketKey(EventKey("org", "Show"), "alice"),
		TicketKey(EventKey("org", "Show"), "bob"),
	}

	seen := make(map[string]bool)
	for _, key := range keys {
		assert.False(t, seen[key], "key collision: %s", key)
		seen[key] = true
	}
}

func TestDeriveKey_LengthFraming(t *testing.T) {
	// Without framing these two would hash the same byte stream.
	assert.NotEqual(t, DeriveKey("tag", "ab", "c"), DeriveKey("tag", "a", "bc"))
	assert.NotEqual(t, DeriveKey("tag", "ab"), DeriveKey("tag", "a", "b"))
}

func TestKeyedMutex_ExclusionPerKey(t *testing.T) {
	km := NewKeyedMutex()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock("same-key")
			counter++
			km.Unlock("same-key")
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := NewKeyedMutex()

	km.Lock("a")
	done := make(chan struct{})
	go func() {
		km.Lock("b")
		km.Unlock("b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
	km.Unlock("a")
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreakerWithSettings("test", BreakerSettings{
		MaxRequests:  4,
		Interval:     time.Minute,
		Timeout:      50 * time.Millisecond,
		FailureRatio: 0.5,
	})
	ctx := context.Background()
	boom := errors.New("downstream dead")

	for i := 0; i < 4; i++ {
		err := cb.Execute(ctx, func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, StateOpen, cb.State())

	// Open circuit fails fast without invoking the request.
	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	// After the timeout the breaker admits a trial request and a
	// success closes it.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_SuccessKeepsClosed(t *testing.T) {
	cb := NewCircuitBreaker("test")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestNewRedisClient_UnreachableAddress(t *testing.T) {
	client, err := NewRedisClient("127.0.0.1:1")
	require.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "connect to redis")
}

func TestGenerateCode(t *testing.T) {
	code, err := GenerateCode(8)
	require.NoError(t, err)
	assert.Len(t, code, 16) // hex doubles the byte count
	assert.Regexp(t, "^[0-9A-F]+$", code)

	other, err := GenerateCode(8)
	require.NoError(t, err)
	assert.NotEqual(t, code, other)
}
