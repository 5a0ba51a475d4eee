package poll

import "time"

// Status is a point-in-time snapshot of the engine, served on /status.
type Status struct {
	LastCycle          time.Time `json:"lastCycle"`
	LastError          string    `json:"lastError,omitempty"`
	CyclesRun          uint64    `json:"cyclesRun"`
	Announced          uint64    `json:"recordingsAnnounced"`
	SeenRecordings     int       `json:"seenRecordings"`
	Folders            int       `json:"folders"`
	AccessTokenExpires time.Time `json:"accessTokenExpires"`
}

// Snapshot returns the current engine status. Safe to call from other
// goroutines (the HTTP server) while the loop runs.
func (e *Engine) Snapshot() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.status
	s.SeenRecordings = e.seenCount
	s.Folders = len(e.Config.Folders)
	return s
}

func (e *Engine) noteCycle(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.CyclesRun++
	e.status.LastCycle = e.now()
	e.status.AccessTokenExpires = e.Cache.AccessTokenExpires
	if err != nil {
		e.status.LastError = err.Error()
	} else {
		e.status.LastError = ""
	}
}

func (e *Engine) noteAnnounced() {
	e.mu.Lock()
	e.status.Announced++
	e.mu.Unlock()
}

func (e *Engine) noteSeenCount(n int) {
	e.mu.Lock()
	e.seenCount = n
	e.mu.Unlock()
}
