package evolution

import "github.com/andyan77/diyu-agent-sub002/internal/model"

// Arbitrate picks the winner of two contradicting items. The higher
// provenance tier wins; on a tie the newer ValidAt wins; a full tie keeps a.
func Arbitrate(a, b model.MemoryItem) (winner, loser model.MemoryItem) {
	ta, tb := a.Provenance.Tier(), b.Provenance.Tier()
	switch {
	case ta > tb:
		return a, b
	case tb > ta:
		return b, a
	case b.ValidAt.After(a.ValidAt):
		return b, a
	default:
		return a, b
	}
}
