package app

const (
	runStatusRunning = "running"
	runStatusStopped = "stopped"
	runStatusError   = "error"
)

// collectorRun tracks a watch run recorded in the database. Runs are created
// in memory with ID=0; the recorder assigns the ID once the collector starts.
type collectorRun struct {
	ID     int64
	Status string
}

func newCollectorRun() *collectorRun {
	return &collectorRun{Status: runStatusRunning}
}

// Persisted returns true if this run has been saved to the database.
func (r *collectorRun) Persisted() bool {
	return r.ID != 0
}
