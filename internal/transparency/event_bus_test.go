package transparency

import (
	"testing"

	"evoengine/internal/types"
)

func TestEventBusEmitDeliversInOrder(t *testing.T) {
	bus := NewEventBus()

	var got []EventType
	bus.Subscribe(func(e Event) {
		got = append(got, e.Type())
	})

	bus.Emit(ExecutionStarted{ProposalID: "p1", Category: types.CategoryRuleAdd, Title: "t"})
	bus.Emit(ExecutionCompleted{ProposalID: "p1", Outcome: types.OutcomeApproved, DurationMs: 5})

	if len(got) != 2 {
		t.Fatalf("delivered %d events, want 2", len(got))
	}
	if got[0] != EventExecutionStarted || got[1] != EventExecutionCompleted {
		t.Fatalf("order = %v", got)
	}
}

func TestEventBusSequenceNumbers(t *testing.T) {
	bus := NewEventBus()

	var seqs []uint64
	bus.Subscribe(func(e Event) {
		seqs = append(seqs, e.Seq)
	})

	bus.Emit(SchedulerTick{Pending: 1})
	bus.Emit(SchedulerTick{Pending: 2})
	bus.Emit(SchedulerTick{Pending: 3})

	for i, s := range seqs {
		if s != uint64(i+1) {
			t.Fatalf("seq[%d] = %d, want %d", i, s, i+1)
		}
	}
}

func TestEventBusTypeFilter(t *testing.T) {
	bus := NewEventBus()

	var failures int
	bus.Subscribe(func(e Event) {
		failures++
	}, EventExecutionFailed)

	bus.Emit(ExecutionStarted{ProposalID: "p1"})
	bus.Emit(ExecutionFailed{ProposalID: "p1", Reason: "timeout"})
	bus.Emit(SchedulerTick{Pending: 1})

	if failures != 1 {
		t.Fatalf("filtered subscriber saw %d events, want 1", failures)
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()

	var first, second int
	h1 := bus.Subscribe(func(e Event) { first++ })
	bus.Subscribe(func(e Event) { second++ })

	bus.Emit(SchedulerTick{Pending: 1})
	bus.Unsubscribe(h1)
	bus.Emit(SchedulerTick{Pending: 2})

	if first != 1 {
		t.Errorf("unsubscribed callback saw %d events, want 1", first)
	}
	if second != 2 {
		t.Errorf("remaining callback saw %d events, want 2", second)
	}
}

func TestEventBusSubscriberPanicIsolated(t *testing.T) {
	bus := NewEventBus()

	bus.Subscribe(func(e Event) {
		panic("subscriber bug")
	})
	var delivered int
	bus.Subscribe(func(e Event) {
		delivered++
	})

	bus.Emit(HealthCheck{Health: types.HealthHealthy, SuccessRate: 1})

	if delivered != 1 {
		t.Fatalf("second subscriber saw %d events, want 1", delivered)
	}
	stats := bus.Stats()
	if stats.PanicsRecovered != 1 {
		t.Errorf("recovered = %d, want 1", stats.PanicsRecovered)
	}
	if stats.TotalEmitted != 1 {
		t.Errorf("emitted = %d, want 1", stats.TotalEmitted)
	}
}

func TestEventTypeDerivedFromPayload(t *testing.T) {
	tests := []struct {
		payload Payload
		want    EventType
	}{
		{SchedulerTick{}, EventSchedulerTick},
		{ExecutionStarted{}, EventExecutionStarted},
		{ExecutionCompleted{}, EventExecutionCompleted},
		{ExecutionFailed{}, EventExecutionFailed},
		{ApprovalRequired{}, EventApprovalRequired},
		{RollbackStarted{}, EventRollbackStarted},
		{RollbackCompleted{}, EventRollbackCompleted},
		{ProposalEscalated{}, EventProposalEscalated},
		{HealthCheck{}, EventHealthCheck},
	}
	for _, tt := range tests {
		if got := tt.payload.Type(); got != tt.want {
			t.Errorf("payload %T type = %s, want %s", tt.payload, got, tt.want)
		}
	}
	if !ValidEventType("rollback-started") {
		t.Error("rollback-started should be valid")
	}
	if ValidEventType("made-up") {
		t.Error("made-up should not be valid")
	}
}

func TestEventStringRendering(t *testing.T) {
	bus := NewEventBus()

	var rendered string
	bus.Subscribe(func(e Event) {
		rendered = e.String()
	}, EventExecutionCompleted)

	bus.Emit(ExecutionCompleted{ProposalID: "prop-9", Outcome: types.OutcomeApproved, DurationMs: 42})

	want := "[EXECUTION-COMPLETED] prop-9 -> approved (42ms)"
	if rendered != want {
		t.Fatalf("rendered = %q, want %q", rendered, want)
	}
}
