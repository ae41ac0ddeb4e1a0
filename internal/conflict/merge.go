package conflict

import (
	"strings"
)

// Region is a span of lines where ours and theirs both diverged from
// the base and could not be reconciled automatically.
type Region struct {
	Base   []string `json:"base"`
	Ours   []string `json:"ours"`
	Theirs []string `json:"theirs"`
}

// Merge performs a line-based three-way merge of two edits against a
// common ancestor. Non-overlapping changes merge cleanly; the result is
// deterministic for a given input triple. When both sides changed the
// same region the merge is not clean and the overlapping regions are
// returned instead.
func Merge(base, ours, theirs string) (merged string, conflicts []Region, clean bool) {
	baseLines := splitLines(base)
	ourLines := splitLines(ours)
	theirLines := splitLines(theirs)

	chunks := diff3(baseLines, ourLines, theirLines)

	var out []string
	for _, c := range chunks {
		switch {
		case c.stable:
			out = append(out, c.base...)
		case linesEqual(c.ours, c.base):
			// Only theirs changed this region.
			out = append(out, c.theirs...)
		case linesEqual(c.theirs, c.base):
			// Only ours changed this region.
			out = append(out, c.ours...)
		case linesEqual(c.ours, c.theirs):
			// Both made the identical change.
			out = append(out, c.ours...)
		default:
			conflicts = append(conflicts, Region{Base: c.base, Ours: c.ours, Theirs: c.theirs})
		}
	}

	if len(conflicts) > 0 {
		return "", conflicts, false
	}
	return joinLines(out), nil, true
}

// RenderConflicts produces conflict-marker text for escalation display,
// interleaving clean regions with marked overlapping ones.
func RenderConflicts(base, ours, theirs, oursLabel, theirsLabel string) string {
	chunks := diff3(splitLines(base), splitLines(ours), splitLines(theirs))

	var out []string
	for _, c := range chunks {
		switch {
		case c.stable:
			out = append(out, c.base...)
		case linesEqual(c.ours, c.base):
			out = append(out, c.theirs...)
		case linesEqual(c.theirs, c.base):
			out = append(out, c.ours...)
		case linesEqual(c.ours, c.theirs):
			out = append(out, c.ours...)
		default:
			out = append(out, "<<<<<<< "+oursLabel)
			out = append(out, c.ours...)
			out = append(out, "=======")
			out = append(out, c.theirs...)
			out = append(out, ">>>>>>> "+theirsLabel)
		}
	}
	return joinLines(out)
}

// chunk is a region of the three inputs aligned against the base.
// Stable chunks are present unchanged in all three versions.
type chunk struct {
	stable bool
	base   []string
	ours   []string
	theirs []string
}

// diff3 aligns ours and theirs against base and partitions the inputs
// into stable and changed chunks. Alignment comes from the longest
// common subsequence of each side with the base; a base line belongs to
// a stable chunk only when both sides kept it.
func diff3(base, ours, theirs []string) []chunk {
	ourMatch := lcsMatch(base, ours)
	theirMatch := lcsMatch(base, theirs)

	var chunks []chunk
	bi, oi, ti := 0, 0, 0

	for bi < len(base) {
		om, oOK := ourMatch[bi]
		tm, tOK := theirMatch[bi]
		if oOK && tOK && om >= oi && tm >= ti {
			// Base line survives in both sides. Close off any pending
			// changed region before it.
			if om > oi || tm > ti {
				chunks = appendChanged(chunks, nil, ours[oi:om], theirs[ti:tm])
			}
			chunks = appendStable(chunks, base[bi])
			oi, ti = om+1, tm+1
			bi++
			continue
		}
		// Base line dropped or moved on at least one side; it belongs
		// to a changed region.
		end := bi + 1
		for end < len(base) {
			om2, oOK2 := ourMatch[end]
			tm2, tOK2 := theirMatch[end]
			if oOK2 && tOK2 && om2 >= oi && tm2 >= ti {
				break
			}
			end++
		}
		var oEnd, tEnd int
		if end < len(base) {
			oEnd, tEnd = ourMatch[end], theirMatch[end]
		} else {
			oEnd, tEnd = len(ours), len(theirs)
		}
		chunks = appendChanged(chunks, base[bi:end], ours[oi:oEnd], theirs[ti:tEnd])
		bi = end
		oi, ti = oEnd, tEnd
	}

	if oi < len(ours) || ti < len(theirs) {
		chunks = appendChanged(chunks, nil, ours[oi:], theirs[ti:])
	}
	return chunks
}

func appendStable(chunks []chunk, line string) []chunk {
	n := len(chunks)
	if n > 0 && chunks[n-1].stable {
		chunks[n-1].base = append(chunks[n-1].base, line)
		return chunks
	}
	return append(chunks, chunk{stable: true, base: []string{line}})
}

func appendChanged(chunks []chunk, base, ours, theirs []string) []chunk {
	if len(base) == 0 && len(ours) == 0 && len(theirs) == 0 {
		return chunks
	}
	n := len(chunks)
	if n > 0 && !chunks[n-1].stable {
		chunks[n-1].base = append(chunks[n-1].base, base...)
		chunks[n-1].ours = append(chunks[n-1].ours, ours...)
		chunks[n-1].theirs = append(chunks[n-1].theirs, theirs...)
		return chunks
	}
	return append(chunks, chunk{
		base:   append([]string(nil), base...),
		ours:   append([]string(nil), ours...),
		theirs: append([]string(nil), theirs...),
	})
}

// lcsMatch returns, for each index in a that participates in the
// longest common subsequence of a and b, the matching index in b.
func lcsMatch(a, b []string) map[int]int {
	n, m := len(a), len(b)
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	match := make(map[int]int, n)
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			match[i] = j
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			i++
		default:
			j++
		}
	}
	return match
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func linesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
