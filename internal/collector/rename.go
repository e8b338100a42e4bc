package collector

import "actindex/internal/usn"

// DefaultRenameLookback is the number of unpaired old-name halves remembered.
const DefaultRenameLookback = 64

type renameCandidate struct {
	fileRef   uint64
	parentRef uint64
	name      string
	consumed  bool
}

// renamePairer joins the RENAME_OLD_NAME and RENAME_NEW_NAME halves of a
// rename. It only looks backward and is owned by the processing loop.
//
// NTFS usually closes a rename with a third record carrying
// RENAME_NEW_NAME|CLOSE for the same name; pending remembers the last new
// half paired without CLOSE so that record can be recognized.
type renamePairer struct {
	candidates []renameCandidate
	next       int
	size       int

	pending    renameCandidate
	hasPending bool
}

func newRenamePairer(lookback int) *renamePairer {
	if lookback <= 0 {
		lookback = DefaultRenameLookback
	}
	return &renamePairer{candidates: make([]renameCandidate, 0, lookback), size: lookback}
}

// pair records old-name halves and backfills the previous name on new-name
// halves. It reports whether ev was paired.
func (p *renamePairer) pair(ev *FileActivityEvent) bool {
	if ev.Activity != ActivityRename {
		return false
	}

	if ev.Reason.Has(usn.ReasonRenameOldName) {
		ev.Attributes[AttrRenamePhase] = "old"
		p.remember(renameCandidate{fileRef: ev.FileRef, parentRef: ev.ParentRef, name: ev.FileName})
		return false
	}
	ev.Attributes[AttrRenamePhase] = "new"

	// Most recent first.
	n := len(p.candidates)
	for i := 0; i < n; i++ {
		idx := (p.next - 1 - i + n) % n
		c := &p.candidates[idx]
		if c.consumed || c.fileRef != ev.FileRef || c.name == ev.FileName {
			continue
		}
		c.consumed = true
		ev.PreviousFileName = c.name
		ev.PreviousParentRef = c.parentRef
		p.pending = renameCandidate{fileRef: ev.FileRef, parentRef: ev.ParentRef, name: ev.FileName}
		p.hasPending = !ev.Reason.Has(usn.ReasonClose)
		return true
	}
	return false
}

// closes reports whether rec is the closing record of the rename paired
// last. Such a record carries no new information and is treated as a close.
func (p *renamePairer) closes(rec usn.Record) bool {
	if !p.hasPending || rec.Reason.Has(usn.ReasonRenameOldName) {
		return false
	}
	if !rec.Reason.Has(usn.ReasonRenameNewName) || !rec.Reason.Has(usn.ReasonClose) {
		return false
	}
	if rec.FileReferenceNumber != p.pending.fileRef || rec.FileName != p.pending.name {
		return false
	}
	p.hasPending = false
	return true
}

func (p *renamePairer) remember(c renameCandidate) {
	if len(p.candidates) < p.size {
		p.candidates = append(p.candidates, c)
		p.next = len(p.candidates) % p.size
		return
	}
	p.candidates[p.next] = c
	p.next = (p.next + 1) % p.size
}
