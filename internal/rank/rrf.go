// Package rank merges ranked candidate lists with Reciprocal Rank Fusion.
package rank

import "sort"

// DefaultK is the RRF smoothing constant.
const DefaultK = 60

// Result is one fused candidate.
type Result struct {
	ID    string
	Score float64
	// Ranks holds the 1-based rank in each input list, 0 when absent.
	Ranks []int
}

func (r Result) bestRank() int {
	best := 0
	for _, rk := range r.Ranks {
		if rk > 0 && (best == 0 || rk < best) {
			best = rk
		}
	}
	return best
}

// Fuse scores each id by Σ 1/(k + rank_i) over the lists it appears in and
// returns all ids in descending score. Ties break on best single-list rank,
// then on id, so equal inputs always produce the same order. Duplicate ids
// within one list keep their first rank.
func Fuse(k int, lists ...[]string) []Result {
	if k <= 0 {
		k = DefaultK
	}

	index := map[string]int{}
	var out []Result
	for li, list := range lists {
		for pos, id := range list {
			i, ok := index[id]
			if !ok {
				i = len(out)
				index[id] = i
				out = append(out, Result{ID: id, Ranks: make([]int, len(lists))})
			}
			if out[i].Ranks[li] != 0 {
				continue
			}
			rk := pos + 1
			out[i].Ranks[li] = rk
			out[i].Score += 1.0 / float64(k+rk)
		}
	}

	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Score != out[b].Score {
			return out[a].Score > out[b].Score
		}
		ra, rb := out[a].bestRank(), out[b].bestRank()
		if ra != rb {
			return ra < rb
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// Top returns at most n results.
func Top(results []Result, n int) []Result {
	if n >= 0 && len(results) > n {
		return results[:n]
	}
	return results
}

// Normalized maps fused scores to (0,1] relative to the best score.
func Normalized(results []Result) map[string]float64 {
	out := make(map[string]float64, len(results))
	if len(results) == 0 {
		return out
	}
	max := results[0].Score
	for _, r := range results {
		if r.Score > max {
			max = r.Score
		}
	}
	for _, r := range results {
		if max > 0 {
			out[r.ID] = r.Score / max
		}
	}
	return out
}
