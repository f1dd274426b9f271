package topology

import "sort"

// UpdateMPRs recomputes the local multipoint relay set with a greedy cover:
// every two-hop node must be reachable through some chosen one-hop
// neighbor. local_mpr marks are cleared and rewritten; the chosen set is
// returned sorted.
//
// Ties on cover size break toward the lexicographically smaller name, so
// the selection is deterministic for a given graph.
func (db *DB) UpdateMPRs() []string {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, n := range db.info {
		n.LocalMPR = false
	}

	n1 := db.neighborsAt(db.self, 1)
	uncovered := make(map[string]bool)
	for _, name := range db.neighborsAt(db.self, 2) {
		uncovered[name] = true
	}

	// cover(n) = neighbors(n) ∩ uncovered, excluding self.
	cover := func(name string) []string {
		var out []string
		for _, nb := range db.neighbors(name) {
			if nb != db.self && uncovered[nb] {
				out = append(out, nb)
			}
		}
		return out
	}

	var mprs []string
	candidates := append([]string(nil), n1...)
	for len(uncovered) > 0 {
		best := ""
		var bestCover []string
		for _, cand := range candidates {
			c := cover(cand)
			if len(c) > len(bestCover) {
				best, bestCover = cand, c
			}
		}
		if best == "" {
			// Remaining two-hop nodes are not reachable through any
			// one-hop neighbor; a disconnected island, stop.
			break
		}
		mprs = append(mprs, best)
		db.info[best].LocalMPR = true
		for _, c := range bestCover {
			delete(uncovered, c)
		}

		// Drop the chosen relay and any candidate that no longer
		// contributes to the remaining uncovered set.
		remaining := candidates[:0]
		for _, cand := range candidates {
			if cand != best && len(cover(cand)) > 0 {
				remaining = append(remaining, cand)
			}
		}
		candidates = remaining
	}

	sort.Strings(mprs)
	return mprs
}
