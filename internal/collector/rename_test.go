package collector

import (
	"testing"

	"actindex/internal/usn"
)

func renameEvent(frn, parent uint64, reason usn.Reason, name string) *FileActivityEvent {
	return &FileActivityEvent{
		FileRef:    frn,
		ParentRef:  parent,
		Activity:   Classify(reason),
		Reason:     reason,
		FileName:   name,
		Attributes: map[string]string{},
	}
}

func TestRenamePairer_PairsOldAndNew(t *testing.T) {
	p := newRenamePairer(0)

	old := renameEvent(0x2a, 0x10, usn.ReasonRenameOldName, "draft.docx")
	if p.pair(old) {
		t.Fatal("pair(old half) = true, want false")
	}
	if old.Attributes[AttrRenamePhase] != "old" {
		t.Errorf("old half phase = %q, want old", old.Attributes[AttrRenamePhase])
	}

	// An unrelated rename in between must not disturb the pairing.
	other := renameEvent(0x99, 0x10, usn.ReasonRenameOldName, "other.txt")
	p.pair(other)

	newer := renameEvent(0x2a, 0x11, usn.ReasonRenameNewName|usn.ReasonClose, "final.docx")
	if !p.pair(newer) {
		t.Fatal("pair(new half) = false, want true")
	}
	if newer.PreviousFileName != "draft.docx" {
		t.Errorf("PreviousFileName = %q, want draft.docx", newer.PreviousFileName)
	}
	if newer.PreviousParentRef != 0x10 {
		t.Errorf("PreviousParentRef = %#x, want 0x10", newer.PreviousParentRef)
	}
	if newer.Attributes[AttrRenamePhase] != "new" {
		t.Errorf("new half phase = %q, want new", newer.Attributes[AttrRenamePhase])
	}
}

func TestRenamePairer_OldHalfUsedOnce(t *testing.T) {
	p := newRenamePairer(0)
	p.pair(renameEvent(0x2a, 0x10, usn.ReasonRenameOldName, "a.txt"))

	first := renameEvent(0x2a, 0x10, usn.ReasonRenameNewName, "b.txt")
	if !p.pair(first) {
		t.Fatal("first new half not paired")
	}

	second := renameEvent(0x2a, 0x10, usn.ReasonRenameNewName, "c.txt")
	if p.pair(second) {
		t.Fatal("second new half paired with an already consumed old half")
	}
	if second.PreviousFileName != "" {
		t.Errorf("PreviousFileName = %q, want empty", second.PreviousFileName)
	}
}

func TestRenamePairer_NoMatch(t *testing.T) {
	tests := []struct {
		name string
		old  *FileActivityEvent
		new  *FileActivityEvent
	}{
		{
			name: "different file reference",
			old:  renameEvent(1, 5, usn.ReasonRenameOldName, "a.txt"),
			new:  renameEvent(2, 5, usn.ReasonRenameNewName, "b.txt"),
		},
		{
			name: "same name",
			old:  renameEvent(1, 5, usn.ReasonRenameOldName, "a.txt"),
			new:  renameEvent(1, 5, usn.ReasonRenameNewName, "a.txt"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newRenamePairer(0)
			p.pair(tt.old)
			if p.pair(tt.new) {
				t.Error("pair() = true, want false")
			}
		})
	}
}

func TestRenamePairer_MostRecentFirst(t *testing.T) {
	p := newRenamePairer(0)
	p.pair(renameEvent(7, 5, usn.ReasonRenameOldName, "first.txt"))
	p.pair(renameEvent(7, 5, usn.ReasonRenameOldName, "second.txt"))

	ev := renameEvent(7, 5, usn.ReasonRenameNewName, "third.txt")
	p.pair(ev)
	if ev.PreviousFileName != "second.txt" {
		t.Errorf("PreviousFileName = %q, want second.txt", ev.PreviousFileName)
	}
}

func TestRenamePairer_BoundedLookback(t *testing.T) {
	p := newRenamePairer(4)
	p.pair(renameEvent(1, 5, usn.ReasonRenameOldName, "evicted.txt"))
	for i := uint64(0); i < 4; i++ {
		p.pair(renameEvent(100+i, 5, usn.ReasonRenameOldName, "filler.txt"))
	}

	ev := renameEvent(1, 5, usn.ReasonRenameNewName, "renamed.txt")
	if p.pair(ev) {
		t.Error("pair() matched a candidate outside the lookback window")
	}
	if len(p.candidates) != 4 {
		t.Errorf("candidates = %d, want 4", len(p.candidates))
	}
}

func TestRenamePairer_IgnoresOtherActivities(t *testing.T) {
	p := newRenamePairer(0)
	ev := renameEvent(1, 5, usn.ReasonFileCreate, "a.txt")
	if p.pair(ev) {
		t.Error("pair(CREATE) = true")
	}
	if _, ok := ev.Attributes[AttrRenamePhase]; ok {
		t.Error("CREATE event got a rename phase")
	}
}

func TestRenamePairer_ClosingRecord(t *testing.T) {
	rec := func(reason usn.Reason, frn uint64, name string) usn.Record {
		return usn.Record{FileReferenceNumber: frn, Reason: reason, FileName: name}
	}
	closing := usn.ReasonRenameNewName | usn.ReasonClose

	tests := []struct {
		name    string
		newHalf usn.Reason
		rec     usn.Record
		want    bool
	}{
		{name: "close of paired rename", newHalf: usn.ReasonRenameNewName, rec: rec(closing, 0x2a, "final.docx"), want: true},
		{name: "different name", newHalf: usn.ReasonRenameNewName, rec: rec(closing, 0x2a, "other.docx"), want: false},
		{name: "different file", newHalf: usn.ReasonRenameNewName, rec: rec(closing, 0x2b, "final.docx"), want: false},
		{name: "new name without close", newHalf: usn.ReasonRenameNewName, rec: rec(usn.ReasonRenameNewName, 0x2a, "final.docx"), want: false},
		{name: "paired half already closed", newHalf: closing, rec: rec(closing, 0x2a, "final.docx"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newRenamePairer(0)
			p.pair(renameEvent(0x2a, 0x10, usn.ReasonRenameOldName, "draft.docx"))
			if !p.pair(renameEvent(0x2a, 0x10, tt.newHalf, "final.docx")) {
				t.Fatal("new half not paired")
			}
			if got := p.closes(tt.rec); got != tt.want {
				t.Errorf("closes() = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("only once", func(t *testing.T) {
		p := newRenamePairer(0)
		p.pair(renameEvent(0x2a, 0x10, usn.ReasonRenameOldName, "draft.docx"))
		p.pair(renameEvent(0x2a, 0x10, usn.ReasonRenameNewName, "final.docx"))
		p.closes(rec(closing, 0x2a, "final.docx"))
		if p.closes(rec(closing, 0x2a, "final.docx")) {
			t.Error("closes() matched the same rename twice")
		}
	})
}
