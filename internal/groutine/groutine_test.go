package groutine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGo_PropagatesName(t *testing.T) {
	got := make(chan string, 1)
	Go(context.Background(), "worker-test", func(ctx context.Context) {
		got <- Name(ctx)
	})

	select {
	case name := <-got:
		assert.Equal(t, "worker-test", name)
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGo_NilParentContext(t *testing.T) {
	done := make(chan struct{})
	Go(nil, "orphan", func(ctx context.Context) {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestName_AbsentOrNil(t *testing.T) {
	assert.Equal(t, "", Name(context.Background()))
	assert.Equal(t, "", Name(nil))
}
