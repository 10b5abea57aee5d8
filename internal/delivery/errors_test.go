package delivery

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain", err: base, want: KindUnknown},
		{name: "transient", err: Wrap(KindTransient, base), want: KindTransient},
		{name: "wrapped again", err: fmt.Errorf("send: %w", Wrap(KindChannelUnavailable, base)), want: KindChannelUnavailable},
		{name: "malformed sentinel", err: fmt.Errorf("order 1: %w", ErrMalformedOrder), want: KindMalformedOrder},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf = %q, want %q", got, tt.want)
			}
		})
	}
	if !errors.Is(Wrap(KindPersistence, base), base) {
		t.Fatal("Wrap must keep the cause reachable")
	}
}

func TestApplySentIsMonotonic(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

	st := ApplySent(Status{}, false, "o1", at)
	st = ApplySent(st, true, "o1", at.Add(time.Second))
	if !st.Sent || st.Attempts != 2 {
		t.Fatalf("unexpected status after two MarkSent: %+v", st)
	}

	st = ApplyFailed(st, true, "o1", "late failure", at.Add(2*time.Second))
	if !st.Sent {
		t.Fatal("failure after success must not reset sent")
	}
	if st.Attempts != 3 || st.LastError != "late failure" {
		t.Fatalf("unexpected bookkeeping: %+v", st)
	}
	if !st.CreatedAt.Equal(at) {
		t.Fatalf("CreatedAt changed: %v", st.CreatedAt)
	}
}

func TestReadyRedrive(t *testing.T) {
	t.Parallel()
	at := time.Now()
	st := ApplyReadyFailed(Status{}, false, "o2", "timeout", at)
	if !st.NeedsReadyRedrive() {
		t.Fatal("failed ready attempt should need a redrive")
	}
	st = ApplyReadySent(st, true, "o2", at)
	if st.NeedsReadyRedrive() {
		t.Fatal("delivered ready notification should not need a redrive")
	}
	if st.ReadyAttempts != 2 {
		t.Fatalf("ReadyAttempts = %d, want 2", st.ReadyAttempts)
	}
}
