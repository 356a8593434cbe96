package memory

import (
	"context"
	"testing"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	"github.com/next-trace/scg-message-bus/messagebus"
)

type testCmd struct {
	cbus.CommandBase
	N int
}

type testEvt struct {
	cbus.EventBase
	N int
}

func TestBuffer_DrainsOnce(t *testing.T) {
	var b Buffer

	b.Emit(testEvt{N: 1}, testEvt{N: 2})

	if b.Pending() != 2 {
		t.Fatalf("pending=%d", b.Pending())
	}

	var got []int
	for m := range b.CollectNewMessages() {
		got = append(got, m.(testEvt).N)
	}

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("got=%v", got)
	}

	for range b.CollectNewMessages() {
		t.Fatalf("second drain must be empty")
	}
}

func TestBuffer_EarlyStopKeepsRemainder(t *testing.T) {
	var b Buffer

	b.Emit(testEvt{N: 1}, testEvt{N: 2}, testEvt{N: 3})

	for range b.CollectNewMessages() {
		break
	}

	if b.Pending() != 2 {
		t.Fatalf("want 2 pending, got %d", b.Pending())
	}
}

func TestNewMemoryBus_BasicFlow(t *testing.T) {
	rb := messagebus.NewRegistryBuilder()

	evtCount := 0

	if err := messagebus.RegisterCommand(rb, func(ctx context.Context, c testCmd, uow *Buffer) (int, error) {
		uow.Emit(testEvt{N: c.N})
		return c.N * 2, nil
	}); err != nil {
		t.Fatalf("bind command: %v", err)
	}

	if err := messagebus.RegisterEvent(rb, func(ctx context.Context, e testEvt, uow *Buffer) error {
		evtCount++
		return nil
	}); err != nil {
		t.Fatalf("bind event: %v", err)
	}

	b, uow := New(rb.Build(), nil)

	res, err := b.Handle(context.Background(), testCmd{N: 21}, uow)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(res) != 1 || res[0].(int) != 42 {
		t.Fatalf("unexpected results: %#v", res)
	}

	if evtCount != 1 {
		t.Fatalf("expected evtCount=1 got %d", evtCount)
	}

	if uow.Pending() != 0 {
		t.Fatalf("buffer not drained")
	}
}
