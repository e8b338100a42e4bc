package collector

import "actindex/internal/usn"

// ProcessAttributor supplies the process responsible for a journal record.
// The journal itself carries no process information, so attribution comes
// from an external source such as a kernel trace correlator.
type ProcessAttributor interface {
	Attribute(volume string, rec usn.Record) (pid int, name string, ok bool)
}

// NoAttribution is the default ProcessAttributor; it never attributes.
type NoAttribution struct{}

func (NoAttribution) Attribute(string, usn.Record) (int, string, bool) { return 0, "", false }

// StaticAttribution attributes records by file reference number. It is used
// by tests and by replay tooling that already knows the owning processes.
type StaticAttribution map[uint64]ProcessInfo

// ProcessInfo identifies a process.
type ProcessInfo struct {
	PID  int
	Name string
}

func (s StaticAttribution) Attribute(_ string, rec usn.Record) (int, string, bool) {
	p, ok := s[rec.FileReferenceNumber]
	if !ok {
		return 0, "", false
	}
	return p.PID, p.Name, true
}
