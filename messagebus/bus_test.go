package messagebus_test

import (
	"context"
	"errors"
	"iter"
	"slices"
	"testing"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
	"github.com/next-trace/scg-message-bus/messagebus"
)

type createBatch struct {
	cbus.CommandBase
	Ref string
}

type changeBatchQuantity struct {
	cbus.CommandBase
	Ref string
	Qty int
}

type allocate struct {
	cbus.CommandBase
	OrderID string
}

type allocated struct {
	cbus.EventBase
	OrderID string
}

type outOfStock struct {
	cbus.EventBase
	SKU string
}

type deallocated struct {
	cbus.EventBase
	OrderID string
}

type e1 struct{ cbus.EventBase }

type e2 struct{ cbus.EventBase }

type e3 struct{ cbus.EventBase }

type notAMessage struct{ ID string }

// fakes

type fakeUOW struct {
	pending []cbus.Message
	drains  int
	// panicDrains makes the next n drains panic.
	panicDrains int
}

func (f *fakeUOW) emit(msgs ...cbus.Message) { f.pending = append(f.pending, msgs...) }

func (f *fakeUOW) CollectNewMessages() iter.Seq[cbus.Message] {
	f.drains++
	if f.panicDrains > 0 {
		f.panicDrains--
		panic("drain failed")
	}

	msgs := f.pending
	f.pending = nil

	return slices.Values(msgs)
}

type otherUOW struct{}

func (otherUOW) CollectNewMessages() iter.Seq[cbus.Message] { return func(func(cbus.Message) bool) {} }

func mustBind(t *testing.T, err error) {
	t.Helper()

	if err != nil {
		t.Fatalf("bind: %v", err)
	}
}

func Test_UnrecognizedMessage_NoHandlerRuns(t *testing.T) {
	rb := messagebus.NewRegistryBuilder()
	calls := 0

	mustBind(t, messagebus.RegisterCommand(rb, func(ctx context.Context, c createBatch, uow *fakeUOW) (any, error) {
		calls++
		return nil, nil
	}))

	b := messagebus.New(rb.Build(), nil)

	for _, m := range []cbus.Message{notAMessage{ID: "x"}, "text", 42, nil} {
		res, err := b.Handle(t.Context(), m, &fakeUOW{})
		if !errors.Is(err, berr.ErrUnrecognizedMessage) {
			t.Fatalf("want ErrUnrecognizedMessage for %#v, got %v", m, err)
		}

		if res != nil {
			t.Fatalf("want no results, got %v", res)
		}
	}

	if calls != 0 {
		t.Fatalf("handler ran %d times", calls)
	}
}

func Test_Command_SingleResult(t *testing.T) {
	rb := messagebus.NewRegistryBuilder()

	mustBind(t, messagebus.RegisterCommand(rb, func(ctx context.Context, c allocate, uow *fakeUOW) (string, error) {
		return "batch-" + c.OrderID, nil
	}))

	b := messagebus.New(rb.Build(), nil)

	res, err := b.Handle(t.Context(), allocate{OrderID: "o1"}, &fakeUOW{})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(res) != 1 || res[0] != "batch-o1" {
		t.Fatalf("results=%#v", res)
	}
}

func Test_Event_FailingHandlerIsIsolated(t *testing.T) {
	rb := messagebus.NewRegistryBuilder()

	var order []string

	boom := errors.New("boom")

	mustBind(t, messagebus.RegisterEvent(rb, func(ctx context.Context, e outOfStock, uow *fakeUOW) error {
		order = append(order, "h1")
		return boom
	}, messagebus.Named("h1")))
	mustBind(t, messagebus.RegisterEvent(rb, func(ctx context.Context, e outOfStock, uow *fakeUOW) error {
		order = append(order, "h2")
		return nil
	}, messagebus.Named("h2")))

	var reported []*messagebus.HandlerError

	b := messagebus.New(rb.Build(), nil, messagebus.WithEventErrorHandler(
		func(ctx context.Context, err *messagebus.HandlerError) { reported = append(reported, err) },
	))

	res, err := b.Handle(t.Context(), outOfStock{SKU: "LAMP"}, &fakeUOW{})
	if err != nil {
		t.Fatalf("event failure must not propagate: %v", err)
	}

	if len(res) != 0 {
		t.Fatalf("events produce no results: %v", res)
	}

	if !slices.Equal(order, []string{"h1", "h2"}) {
		t.Fatalf("order=%v", order)
	}

	if len(reported) != 1 {
		t.Fatalf("want 1 reported failure, got %d", len(reported))
	}

	herr := reported[0]
	if herr.Handler != "h1" || herr.Kind != cbus.KindEvent {
		t.Fatalf("unexpected failure: %+v", herr)
	}

	if !errors.Is(herr, boom) || !errors.Is(herr, berr.ErrHandlerFailure) {
		t.Fatalf("HandlerError must match both causes: %v", herr)
	}
}

func Test_Event_FailedHandlerDoesNotAbortCommand(t *testing.T) {
	rb := messagebus.NewRegistryBuilder()

	mustBind(t, messagebus.RegisterCommand(rb, func(ctx context.Context, c allocate, uow *fakeUOW) (string, error) {
		uow.emit(allocated{OrderID: c.OrderID})
		return "b1", nil
	}))
	mustBind(t, messagebus.RegisterEvent(rb, func(ctx context.Context, e allocated, uow *fakeUOW) error {
		return errors.New("broker down")
	}))

	b := messagebus.New(rb.Build(), nil)

	res, err := b.Handle(t.Context(), allocate{OrderID: "o1"}, &fakeUOW{})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(res) != 1 || res[0] != "b1" {
		t.Fatalf("results=%#v", res)
	}
}

func Test_Allocate_CascadesToAllSubscribers(t *testing.T) {
	rb := messagebus.NewRegistryBuilder()

	calls := map[string]int{}

	mustBind(t, messagebus.RegisterCommand(rb, func(ctx context.Context, c allocate, uow *fakeUOW) (string, error) {
		calls["allocate"]++
		uow.emit(allocated{OrderID: c.OrderID})

		return "b1", nil
	}))
	mustBind(t, messagebus.RegisterEvent(rb, func(ctx context.Context, e allocated, uow *fakeUOW) error {
		calls["publish"]++
		return nil
	}, messagebus.Named("publish")))
	mustBind(t, messagebus.RegisterEvent(rb, func(ctx context.Context, e allocated, uow *fakeUOW) error {
		calls["add_to_read_model"]++
		uow.emit(outOfStock{SKU: "late"})

		return nil
	}, messagebus.Named("add_to_read_model")))
	mustBind(t, messagebus.RegisterEvent(rb, func(ctx context.Context, e outOfStock, uow *fakeUOW) error {
		calls["notify"]++
		return nil
	}))

	b := messagebus.New(rb.Build(), nil)

	uow := &fakeUOW{}
	if _, err := b.Handle(t.Context(), allocate{OrderID: "o1"}, uow); err != nil {
		t.Fatalf("handle: %v", err)
	}

	for _, k := range []string{"allocate", "publish", "add_to_read_model", "notify"} {
		if calls[k] != 1 {
			t.Fatalf("%s ran %d times, want 1 (calls=%v)", k, calls[k], calls)
		}
	}

	if len(uow.pending) != 0 {
		t.Fatalf("work unit left undrained: %v", uow.pending)
	}
}

func Test_Command_FailureAbortsWithoutResults(t *testing.T) {
	rb := messagebus.NewRegistryBuilder()

	boom := errors.New("invalid quantity")
	laterRan := false

	mustBind(t, messagebus.RegisterCommand(rb, func(ctx context.Context, c createBatch, uow *fakeUOW) (string, error) {
		uow.emit(changeBatchQuantity{Ref: c.Ref, Qty: -1}, outOfStock{SKU: "after"})
		return c.Ref, nil
	}))
	mustBind(t, messagebus.RegisterCommand(rb, func(ctx context.Context, c changeBatchQuantity, uow *fakeUOW) (any, error) {
		return nil, boom
	}, messagebus.Named("change_batch_quantity")))
	mustBind(t, messagebus.RegisterEvent(rb, func(ctx context.Context, e outOfStock, uow *fakeUOW) error {
		laterRan = true
		return nil
	}))

	b := messagebus.New(rb.Build(), nil)

	res, err := b.Handle(t.Context(), createBatch{Ref: "b1"}, &fakeUOW{})
	if err == nil {
		t.Fatalf("expected error")
	}

	if res != nil {
		t.Fatalf("earlier results must be discarded, got %v", res)
	}

	var herr *messagebus.HandlerError
	if !errors.As(err, &herr) {
		t.Fatalf("want *HandlerError, got %T", err)
	}

	if herr.Kind != cbus.KindCommand || herr.Handler != "change_batch_quantity" {
		t.Fatalf("unexpected failure: %+v", herr)
	}

	if !errors.Is(err, boom) {
		t.Fatalf("cause lost: %v", err)
	}

	if laterRan {
		t.Fatalf("queue must not be processed after a command failure")
	}
}

func Test_BreadthFirstOrdering(t *testing.T) {
	rb := messagebus.NewRegistryBuilder()

	var order []string

	mustBind(t, messagebus.RegisterCommand(rb, func(ctx context.Context, c createBatch, uow *fakeUOW) (any, error) {
		order = append(order, "C")
		uow.emit(e1{}, e2{})

		return nil, nil
	}))
	mustBind(t, messagebus.RegisterEvent(rb, func(ctx context.Context, e e1, uow *fakeUOW) error {
		order = append(order, "E1")
		uow.emit(e3{})

		return nil
	}))
	mustBind(t, messagebus.RegisterEvent(rb, func(ctx context.Context, e e2, uow *fakeUOW) error {
		order = append(order, "E2")
		return nil
	}))
	mustBind(t, messagebus.RegisterEvent(rb, func(ctx context.Context, e e3, uow *fakeUOW) error {
		order = append(order, "E3")
		return nil
	}))

	b := messagebus.New(rb.Build(), nil)

	if _, err := b.Handle(t.Context(), createBatch{}, &fakeUOW{}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if want := []string{"C", "E1", "E2", "E3"}; !slices.Equal(order, want) {
		t.Fatalf("order=%v want=%v", order, want)
	}
}

func Test_CascadedCommandsContributeResults(t *testing.T) {
	rb := messagebus.NewRegistryBuilder()

	mustBind(t, messagebus.RegisterCommand(rb, func(ctx context.Context, c changeBatchQuantity, uow *fakeUOW) (string, error) {
		uow.emit(deallocated{OrderID: "o1"}, deallocated{OrderID: "o2"})
		return "changed", nil
	}))
	mustBind(t, messagebus.RegisterEvent(rb, func(ctx context.Context, e deallocated, uow *fakeUOW) error {
		uow.emit(allocate{OrderID: e.OrderID})
		return nil
	}))
	mustBind(t, messagebus.RegisterCommand(rb, func(ctx context.Context, c allocate, uow *fakeUOW) (string, error) {
		return "re-" + c.OrderID, nil
	}))

	b := messagebus.New(rb.Build(), nil)

	res, err := b.Handle(t.Context(), changeBatchQuantity{Ref: "b1", Qty: 5}, &fakeUOW{})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	want := []any{"changed", "re-o1", "re-o2"}
	if !slices.Equal(res, want) {
		t.Fatalf("results=%v want=%v", res, want)
	}
}

func Test_CollectsAfterEverySuccessOnly(t *testing.T) {
	rb := messagebus.NewRegistryBuilder()

	mustBind(t, messagebus.RegisterEvent(rb, func(ctx context.Context, e allocated, uow *fakeUOW) error {
		return nil
	}))
	mustBind(t, messagebus.RegisterEvent(rb, func(ctx context.Context, e allocated, uow *fakeUOW) error {
		return errors.New("fail")
	}))
	mustBind(t, messagebus.RegisterEvent(rb, func(ctx context.Context, e allocated, uow *fakeUOW) error {
		return nil
	}))

	b := messagebus.New(rb.Build(), nil)

	uow := &fakeUOW{}
	if _, err := b.Handle(t.Context(), allocated{}, uow); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if uow.drains != 2 {
		t.Fatalf("want 2 drains (one per successful handler), got %d", uow.drains)
	}
}

func Test_UnregisteredTypes(t *testing.T) {
	b := messagebus.New(messagebus.NewRegistryBuilder().Build(), nil)

	if _, err := b.Handle(t.Context(), allocate{}, &fakeUOW{}); !errors.Is(err, berr.ErrUnregisteredCommandType) {
		t.Fatalf("want ErrUnregisteredCommandType, got %v", err)
	}

	if _, err := b.Handle(t.Context(), allocated{}, &fakeUOW{}); !errors.Is(err, berr.ErrUnregisteredEventType) {
		t.Fatalf("want ErrUnregisteredEventType, got %v", err)
	}
}

func Test_UnregisteredEvent_CascadedIsFatalUnderStrictPolicy(t *testing.T) {
	rb := messagebus.NewRegistryBuilder()

	mustBind(t, messagebus.RegisterCommand(rb, func(ctx context.Context, c allocate, uow *fakeUOW) (string, error) {
		uow.emit(allocated{OrderID: c.OrderID})
		return "b1", nil
	}))

	b := messagebus.New(rb.Build(), nil)

	res, err := b.Handle(t.Context(), allocate{OrderID: "o1"}, &fakeUOW{})
	if !errors.Is(err, berr.ErrUnregisteredEventType) {
		t.Fatalf("want ErrUnregisteredEventType, got %v", err)
	}

	if res != nil {
		t.Fatalf("want no results, got %v", res)
	}
}

func Test_UnregisteredEvent_IgnoredUnderIgnorePolicy(t *testing.T) {
	rb := messagebus.NewRegistryBuilder()

	mustBind(t, messagebus.RegisterCommand(rb, func(ctx context.Context, c allocate, uow *fakeUOW) (string, error) {
		uow.emit(allocated{OrderID: c.OrderID})
		return "b1", nil
	}))

	b := messagebus.New(rb.Build(), nil, messagebus.WithEventPolicy(messagebus.IgnoreUnregisteredEvents))

	res, err := b.Handle(t.Context(), allocate{OrderID: "o1"}, &fakeUOW{})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(res) != 1 || res[0] != "b1" {
		t.Fatalf("results=%v", res)
	}

	// commands stay strict regardless of the event policy
	if _, err := b.Handle(t.Context(), createBatch{}, &fakeUOW{}); !errors.Is(err, berr.ErrUnregisteredCommandType) {
		t.Fatalf("want ErrUnregisteredCommandType, got %v", err)
	}
}

func Test_DeclaredEventWithoutHandlersIsNoop(t *testing.T) {
	rb := messagebus.NewRegistryBuilder()
	rb.DeclareEvent(deallocated{})

	b := messagebus.New(rb.Build(), nil)

	if _, err := b.Handle(t.Context(), deallocated{}, &fakeUOW{}); err != nil {
		t.Fatalf("declared event must be accepted: %v", err)
	}
}

func Test_UnrecognizedCascadeIsFatal(t *testing.T) {
	rb := messagebus.NewRegistryBuilder()

	mustBind(t, messagebus.RegisterCommand(rb, func(ctx context.Context, c allocate, uow *fakeUOW) (string, error) {
		uow.emit(notAMessage{ID: "?"})
		return "b1", nil
	}))

	b := messagebus.New(rb.Build(), nil)

	if _, err := b.Handle(t.Context(), allocate{}, &fakeUOW{}); !errors.Is(err, berr.ErrUnrecognizedMessage) {
		t.Fatalf("want ErrUnrecognizedMessage, got %v", err)
	}
}

func Test_PanicsBecomeHandlerErrors(t *testing.T) {
	rb := messagebus.NewRegistryBuilder()
	siblingRan := false

	mustBind(t, messagebus.RegisterCommand(rb, func(ctx context.Context, c allocate, uow *fakeUOW) (string, error) {
		panic("kaboom")
	}))
	mustBind(t, messagebus.RegisterEvent(rb, func(ctx context.Context, e allocated, uow *fakeUOW) error {
		panic("event kaboom")
	}))
	mustBind(t, messagebus.RegisterEvent(rb, func(ctx context.Context, e allocated, uow *fakeUOW) error {
		siblingRan = true
		return nil
	}))

	b := messagebus.New(rb.Build(), nil)

	_, err := b.Handle(t.Context(), allocate{}, &fakeUOW{})

	var perr *messagebus.PanicError
	if !errors.As(err, &perr) || perr.Value != "kaboom" {
		t.Fatalf("want PanicError, got %v", err)
	}

	if _, err := b.Handle(t.Context(), allocated{}, &fakeUOW{}); err != nil {
		t.Fatalf("event panic must be swallowed: %v", err)
	}

	if !siblingRan {
		t.Fatalf("sibling handler must still run after a panic")
	}
}

func Test_DrainPanicCountsAsHandlerFailure(t *testing.T) {
	rb := messagebus.NewRegistryBuilder()

	var seen []string

	mustBind(t, messagebus.RegisterEvent(rb, func(ctx context.Context, e allocated, uow *fakeUOW) error {
		seen = append(seen, "publish")
		uow.emit(outOfStock{SKU: "lost"})

		return nil
	}, messagebus.Named("publish")))
	mustBind(t, messagebus.RegisterEvent(rb, func(ctx context.Context, e allocated, uow *fakeUOW) error {
		seen = append(seen, "read_model")
		uow.emit(outOfStock{SKU: "kept"})

		return nil
	}, messagebus.Named("read_model")))
	mustBind(t, messagebus.RegisterEvent(rb, func(ctx context.Context, e outOfStock, uow *fakeUOW) error {
		seen = append(seen, "notify:"+e.SKU)
		return nil
	}))

	var failed []*messagebus.HandlerError

	b := messagebus.New(rb.Build(), nil, messagebus.WithEventErrorHandler(func(_ context.Context, err *messagebus.HandlerError) {
		failed = append(failed, err)
	}))

	uow := &fakeUOW{panicDrains: 1}
	if _, err := b.Handle(t.Context(), allocated{}, uow); err != nil {
		t.Fatalf("event drain panic must be swallowed: %v", err)
	}

	if len(failed) != 1 || failed[0].Handler != "publish" {
		t.Fatalf("failures=%v", failed)
	}

	var perr *messagebus.PanicError
	if !errors.As(failed[0], &perr) || perr.Value != "drain failed" {
		t.Fatalf("want PanicError from the drain, got %v", failed[0])
	}

	// the pending message of the first handler stays in the work unit and is
	// drained with the sibling's
	want := []string{"publish", "read_model", "notify:lost", "notify:kept"}
	if !slices.Equal(seen, want) {
		t.Fatalf("seen=%v\nwant=%v", seen, want)
	}

	mustBind(t, messagebus.RegisterCommand(rb, func(ctx context.Context, c allocate, uow *fakeUOW) (string, error) {
		return "b1", nil
	}))

	b = messagebus.New(rb.Build(), nil)

	res, err := b.Handle(t.Context(), allocate{}, &fakeUOW{panicDrains: 1})
	if !errors.As(err, &perr) || !errors.Is(err, berr.ErrHandlerFailure) || res != nil {
		t.Fatalf("command drain panic: res=%v err=%v", res, err)
	}
}

func Test_WorkUnitTypeMismatch(t *testing.T) {
	rb := messagebus.NewRegistryBuilder()

	mustBind(t, messagebus.RegisterCommand(rb, func(ctx context.Context, c allocate, uow *fakeUOW) (string, error) {
		return "b1", nil
	}))

	b := messagebus.New(rb.Build(), nil)

	_, err := b.Handle(t.Context(), allocate{}, otherUOW{})
	if !errors.Is(err, berr.ErrHandlerTypeMismatch) {
		t.Fatalf("want ErrHandlerTypeMismatch, got %v", err)
	}
}

func Test_SharedWorkUnitSideEffectsAreVisible(t *testing.T) {
	type state struct {
		fakeUOW
		seen []string
	}

	rb := messagebus.NewRegistryBuilder()

	mustBind(t, messagebus.RegisterEvent(rb, func(ctx context.Context, e allocated, uow *state) error {
		uow.seen = append(uow.seen, "first")
		return nil
	}))
	mustBind(t, messagebus.RegisterEvent(rb, func(ctx context.Context, e allocated, uow *state) error {
		if len(uow.seen) != 1 {
			return errors.New("previous handler's effect not visible")
		}

		uow.seen = append(uow.seen, "second")

		return nil
	}))

	b := messagebus.New(rb.Build(), nil)

	uow := &state{}
	if _, err := b.Handle(context.Background(), allocated{}, uow); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if !slices.Equal(uow.seen, []string{"first", "second"}) {
		t.Fatalf("seen=%v", uow.seen)
	}
}
