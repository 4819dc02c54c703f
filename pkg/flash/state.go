package flash

import (
	"sync"
	"time"
)

// State is one step of the flash state machine.
type State string

const (
	StateIdle                State = "idle"
	StateDeviceConnected     State = "device_connected"
	StateBuildSelected       State = "build_selected"
	StateDownloading         State = "downloading"
	StateFastbootMode        State = "fastboot_mode"
	StateUnlockingBootloader State = "unlocking_bootloader"
	StateFlashing            State = "flashing"
	StateComplete            State = "complete"
	StateCancelled           State = "cancelled"
	StateFailed              State = "failed"
)

// Progress bands.
const (
	progressDownloadEnd = 40.0
	progressFlashEnd    = 95.0
	progressComplete    = 100.0
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateCancelled || s == StateFailed
}

var forward = map[State][]State{
	StateIdle:                {StateDeviceConnected},
	StateDeviceConnected:     {StateBuildSelected},
	StateBuildSelected:       {StateDownloading},
	StateDownloading:         {StateFastbootMode},
	StateFastbootMode:        {StateUnlockingBootloader, StateFlashing},
	StateUnlockingBootloader: {StateFlashing},
	StateFlashing:            {StateComplete},
}

// CanTransition reports whether from -> to is allowed. cancelled and failed are
// reachable from every non-terminal state.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateCancelled || to == StateFailed {
		return true
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Snapshot is the externally visible view of a job.
type Snapshot struct {
	JobID     string
	Serial    string
	State     State
	Progress  float64
	Message   string
	LastState State
	Err       error
	UpdatedAt time.Time
}

// machine holds the state of one job. Progress never decreases.
type machine struct {
	mu   sync.RWMutex
	snap Snapshot
}

func newMachine(jobID, serial string) *machine {
	return &machine{snap: Snapshot{JobID: jobID, Serial: serial, State: StateIdle, LastState: StateIdle, UpdatedAt: time.Now()}}
}

func (m *machine) snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// moveTo applies a transition and returns the resulting snapshot. The caller
// has already validated it.
func (m *machine) moveTo(to State, progress float64, message string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !to.Terminal() {
		m.snap.LastState = to
	}
	m.snap.State = to
	if progress > m.snap.Progress {
		m.snap.Progress = progress
	}
	m.snap.Message = message
	m.snap.UpdatedAt = time.Now()
	return m.snap
}

// advance raises progress within the current state. It returns false when
// the value would not increase.
func (m *machine) advance(progress float64, message string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if progress <= m.snap.Progress {
		return m.snap, false
	}
	if progress > progressComplete {
		progress = progressComplete
	}
	m.snap.Progress = progress
	m.snap.Message = message
	m.snap.UpdatedAt = time.Now()
	return m.snap, true
}

func (m *machine) fail(to State, err error, message string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.State = to
	m.snap.Err = err
	m.snap.Message = message
	m.snap.UpdatedAt = time.Now()
	return m.snap
}
