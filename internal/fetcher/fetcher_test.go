package fetcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"giftflow/internal/fault"
)

func TestWithPage_SlotStarvationIsTransient(t *testing.T) {
	// All page slots busy, nothing is ever returned.
	p := &Pool{slots: make(chan *pageSlot), maxUses: 25}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := p.WithPage(ctx, func(pageCtx context.Context) error {
		t.Fatalf("fn must not run without a slot")
		return nil
	})

	require.Error(t, err)
	// A job that never got a page was not cancelled by its owner; it
	// must stay retryable.
	assert.Equal(t, fault.KindTransient, fault.KindOf(err))
	assert.True(t, fault.Retryable(err))
}

func TestWithPage_ReturnsSlotAfterUse(t *testing.T) {
	p := &Pool{slots: make(chan *pageSlot, 1), maxUses: 25}
	p.slots <- &pageSlot{ctx: context.Background(), cancel: func() {}}

	ran := false
	err := p.WithPage(context.Background(), func(pageCtx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// The slot is back in the pool and reusable.
	select {
	case slot := <-p.slots:
		assert.NotNil(t, slot)
		assert.Equal(t, 1, slot.uses)
	default:
		t.Fatalf("slot was not returned to the pool")
	}
}

func TestWithPage_DisposesSlotOnError(t *testing.T) {
	cancelled := false
	p := &Pool{slots: make(chan *pageSlot, 1), maxUses: 25}
	p.slots <- &pageSlot{ctx: context.Background(), cancel: func() { cancelled = true }}

	err := p.WithPage(context.Background(), func(pageCtx context.Context) error {
		return fault.Transientf("tab wedged")
	})
	require.Error(t, err)
	assert.True(t, cancelled)

	// A nil placeholder takes the failed slot's place.
	select {
	case slot := <-p.slots:
		assert.Nil(t, slot)
	default:
		t.Fatalf("slot capacity was lost")
	}
}

func TestNavContext_CallerCancelPropagates(t *testing.T) {
	callerCtx, callerCancel := context.WithCancel(context.Background())
	navCtx, cancel := navContext(context.Background(), callerCtx, time.Minute)
	defer cancel()

	select {
	case <-navCtx.Done():
		t.Fatalf("navigation context cancelled early")
	default:
	}

	callerCancel()
	select {
	case <-navCtx.Done():
	case <-time.After(time.Second):
		t.Fatalf("caller cancellation did not reach the navigation context")
	}
}

func TestNavContext_TimeoutStillApplies(t *testing.T) {
	navCtx, cancel := navContext(context.Background(), context.Background(), 10*time.Millisecond)
	defer cancel()

	select {
	case <-navCtx.Done():
	case <-time.After(time.Second):
		t.Fatalf("pool timeout did not bound the navigation context")
	}
}
