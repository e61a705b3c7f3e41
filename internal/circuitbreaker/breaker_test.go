package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func TestClosedCircuitAllows(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("registry") {
		t.Fatal("closed circuit should allow")
	}
}

func TestOpensAtFailureThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("registry")
	b.RecordFailure("registry")
	if !b.Allow("registry") {
		t.Fatal("two failures should not trip a threshold of three")
	}

	b.RecordFailure("registry")
	if b.Allow("registry") {
		t.Fatal("third failure should open the circuit")
	}
	if got := b.State("registry"); got != StateOpen {
		t.Fatalf("State = %v, want StateOpen", got)
	}
}

func TestHalfOpenAllowsSingleProbe(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("registry")
	b.RecordFailure("registry")
	if b.Allow("registry") {
		t.Fatal("circuit should be open")
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Allow("registry") {
		t.Fatal("half-open circuit should admit one probe")
	}
	if got := b.State("registry"); got != StateHalfOpen {
		t.Fatalf("State = %v, want StateHalfOpen", got)
	}
	if b.Allow("registry") {
		t.Fatal("second caller during the probe should be rejected")
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("registry")
	b.RecordFailure("registry")
	time.Sleep(60 * time.Millisecond)
	b.Allow("registry")

	b.RecordSuccess("registry")
	if got := b.State("registry"); got != StateClosed {
		t.Fatalf("State = %v, want StateClosed", got)
	}
	if !b.Allow("registry") {
		t.Fatal("recovered circuit should allow")
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("registry")
	b.RecordFailure("registry")
	time.Sleep(60 * time.Millisecond)
	b.Allow("registry")

	b.RecordFailure("registry")
	if got := b.State("registry"); got != StateOpen {
		t.Fatalf("State = %v, want StateOpen", got)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("registry")
	b.RecordFailure("registry")
	b.RecordSuccess("registry")

	b.RecordFailure("registry")
	if !b.Allow("registry") {
		t.Fatal("one failure after a success should not trip the circuit")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure("registry")
	b.RecordFailure("registry")

	if b.Allow("registry") {
		t.Fatal("registry circuit should be open")
	}
	if !b.Allow("transfers") {
		t.Fatal("transfers circuit should be unaffected")
	}
}

func TestUnknownKeyStartsClosed(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	if got := b.State("unknown"); got != StateClosed {
		t.Fatalf("State = %v, want StateClosed", got)
	}
}

func TestTransitionCallbackFires(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	b.RecordFailure("registry")
	b.RecordFailure("registry")

	// callback runs on its own goroutine
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 {
		t.Fatalf("transitions = %d, want 1", len(transitions))
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Fatalf("transition = %v to %v, want closed to open", transitions[0].from, transitions[0].to)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
