package engine

import "sjq/internal/model"

// Ledger tracks the process slots and memory not held by running jobs.
// It is not safe for concurrent use; the scheduler guards it.
type Ledger struct {
	maxProcs   int
	maxMem     int64
	procsAvail int
	memAvail   int64
}

// NewLedger derives the available budget from the maxima and the jobs
// already running. The result may be negative if the maxima were lowered
// while jobs ran; nothing new fits until enough of them finish.
func NewLedger(maxProcs int, maxMem int64, running []model.Job) *Ledger {
	l := &Ledger{maxProcs: maxProcs, maxMem: maxMem, procsAvail: maxProcs, memAvail: maxMem}
	for _, j := range running {
		l.procsAvail -= j.Procs
		l.memAvail -= j.Mem
	}
	return l
}

func (l *Ledger) Available() (int, int64) {
	return l.procsAvail, l.memAvail
}

func (l *Ledger) Max() (int, int64) {
	return l.maxProcs, l.maxMem
}

func (l *Ledger) Fits(procs int, mem int64) bool {
	return procs <= l.procsAvail && mem <= l.memAvail
}

// Acquire takes procs and mem, or reports false and takes nothing.
func (l *Ledger) Acquire(procs int, mem int64) bool {
	if !l.Fits(procs, mem) {
		return false
	}
	l.procsAvail -= procs
	l.memAvail -= mem
	return true
}

func (l *Ledger) Release(procs int, mem int64) {
	l.procsAvail += procs
	l.memAvail += mem
	if l.procsAvail > l.maxProcs {
		l.procsAvail = l.maxProcs
	}
	if l.memAvail > l.maxMem {
		l.memAvail = l.maxMem
	}
}
