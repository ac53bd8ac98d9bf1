package dispatch

import (
	"context"
	"testing"
	"time"
)

func TestPublishFanOut(t *testing.T) {
	d := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := d.Subscribe(ctx)
	b := d.Subscribe(ctx)

	e := Effect{Kind: KindBanIssued, CaseID: "c1", OccurredAt: time.Now().UTC()}
	d.Publish(e)

	for _, ch := range []<-chan Effect{a, b} {
		select {
		case got := <-ch:
			if got.Kind != KindBanIssued || got.CaseID != "c1" {
				t.Fatalf("effect = %+v", got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for effect")
		}
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	d := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Nobody drains this subscriber; fill its buffer and keep publishing.
	d.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			d.Publish(Effect{Kind: KindWarningSent})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestSubscribeClosesOnContextCancel(t *testing.T) {
	d := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := d.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel without pending effects")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
