package conflict

// archive is a bounded ring of closed conflict records, kept for the
// snapshot surface. Oldest entries fall off when the ring is full.
// Callers hold the engine mutex.
type archive struct {
	entries []*Record
	next    int
	full    bool
}

func newArchive(size int) *archive {
	if size <= 0 {
		size = DefaultArchiveSize
	}
	return &archive{entries: make([]*Record, size)}
}

func (a *archive) add(rec *Record) {
	a.entries[a.next] = rec
	a.next++
	if a.next == len(a.entries) {
		a.next = 0
		a.full = true
	}
}

func (a *archive) get(id string) *Record {
	for _, rec := range a.entries {
		if rec != nil && rec.ID == id {
			return rec
		}
	}
	return nil
}

// all returns the archived records, newest first.
func (a *archive) all() []*Record {
	count := a.next
	if a.full {
		count = len(a.entries)
	}
	out := make([]*Record, 0, count)
	for i := 0; i < count; i++ {
		idx := a.next - 1 - i
		if idx < 0 {
			idx += len(a.entries)
		}
		out = append(out, a.entries[idx])
	}
	return out
}
