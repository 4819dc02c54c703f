package flash

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateDeviceConnected, true},
		{StateIdle, StateDownloading, false},
		{StateDownloading, StateFastbootMode, true},
		{StateFastbootMode, StateFlashing, true},
		{StateFastbootMode, StateUnlockingBootloader, true},
		{StateUnlockingBootloader, StateFlashing, true},
		{StateFlashing, StateFastbootMode, false},
		{StateFlashing, StateComplete, true},
		{StateBuildSelected, StateCancelled, true},
		{StateIdle, StateFailed, true},
		{StateComplete, StateFailed, false},
		{StateCancelled, StateIdle, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestMachineProgressNeverDecreases(t *testing.T) {
	m := newMachine("job", "ABC123")
	m.moveTo(StateDeviceConnected, 0, "")
	if _, ok := m.advance(30, "downloading"); !ok {
		t.Fatal("advance should succeed")
	}
	if _, ok := m.advance(20, "stale"); ok {
		t.Fatal("progress must not decrease")
	}
	snap := m.moveTo(StateFastbootMode, 10, "")
	if snap.Progress != 30 {
		t.Fatalf("progress = %v, want 30", snap.Progress)
	}
	snap = m.fail(StateFailed, nil, "boom")
	if snap.LastState != StateFastbootMode || snap.Progress != 30 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
