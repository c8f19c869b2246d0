package asyncjob

// Phase identifies a stage of a remote operation.
type Phase string

const (
	PhaseCounting    Phase = "counting"
	PhaseCompressing Phase = "compressing"
	PhaseReceiving   Phase = "receiving"
	PhaseResolving   Phase = "resolving"
	PhaseWriting     Phase = "writing"
	PhaseUpdating    Phase = "updating"
	// PhaseDone terminates the progress stream of one run. Only the runner
	// sends it.
	PhaseDone Phase = "done"
)

// Event is one progress step reported by an Executor.
type Event struct {
	Phase   Phase
	Current uint64
	Total   uint64
	Bytes   uint64
}

func (e Event) done() bool {
	return e.Phase == PhaseDone
}

// Snapshot is the last known progress of the active run.
type Snapshot struct {
	Phase   Phase
	Current uint64
	Total   uint64
	Bytes   uint64
}

func snapshot(e Event) Snapshot {
	current := e.Current
	if e.Total > 0 && current > e.Total {
		current = e.Total
	}
	return Snapshot{
		Phase:   e.Phase,
		Current: current,
		Total:   e.Total,
		Bytes:   e.Bytes,
	}
}

// Percent returns completion of the current phase in range 0..100.
func (s Snapshot) Percent() uint8 {
	if s.Total == 0 {
		return 0
	}
	return uint8(s.Current * 100 / s.Total)
}

// Progress is the producer end of the private progress channel handed to an
// Executor. The zero value discards all events.
type Progress struct {
	ch   chan<- Event
	over <-chan struct{}
}

// Report forwards e to the relay. Terminal events are ignored, the stream is
// closed by the runner once Execute returns. Reports made after that are
// dropped.
func (p Progress) Report(e Event) {
	if p.ch == nil || e.done() {
		return
	}
	select {
	case <-p.over:
		return
	default:
	}
	select {
	case p.ch <- e:
	case <-p.over:
	}
}
