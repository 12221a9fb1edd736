package localstate

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestComputeUsage(t *testing.T) {
	state := State{"leads": json.RawMessage(`{"L1":{}}`), "tasks": json.RawMessage(`{}`)}
	u := ComputeUsage(state, 100)
	if u.UsedBytes != state.Size() {
		t.Fatalf("expected used %d, got %d", state.Size(), u.UsedBytes)
	}
	if u.Buckets["leads"] != int64(len(`{"L1":{}}`)) {
		t.Fatalf("unexpected bucket size %d", u.Buckets["leads"])
	}
	if u.NearCapacity {
		t.Fatalf("did not expect near capacity at %.1f%%", u.Percent)
	}
	near := ComputeUsage(state, state.Size())
	if !near.NearCapacity || near.Percent != 100 {
		t.Fatalf("expected full usage, got %+v", near)
	}
	if unlimited := ComputeUsage(state, 0); unlimited.Percent != 0 || unlimited.NearCapacity {
		t.Fatalf("zero capacity reports no percentage, got %+v", unlimited)
	}
}

func TestCheckQuota(t *testing.T) {
	state := State{"leads": json.RawMessage(`{"L1":{"name":"x"}}`)}
	if err := CheckQuota(state, 1024); err != nil {
		t.Fatalf("expected fit: %v", err)
	}
	err := CheckQuota(state, 4)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if err := CheckQuota(state, 0); err != nil {
		t.Fatalf("zero capacity disables quota: %v", err)
	}
}

func TestStateCloneAndBuckets(t *testing.T) {
	state := State{"tasks": json.RawMessage(`[]`), "leads": json.RawMessage(`{}`)}
	clone := state.Clone()
	clone["leads"][0] = '['
	if string(state["leads"]) != "{}" {
		t.Fatalf("clone must not share payload bytes")
	}
	if b := state.Buckets(); len(b) != 2 || b[0] != "leads" || b[1] != "tasks" {
		t.Fatalf("unexpected bucket order %v", b)
	}
	if State(nil).Clone() != nil {
		t.Fatalf("nil state clones to nil")
	}
}
