package assembler

import (
	"github.com/andyan77/diyu-agent-sub002/internal/config"
)

// Allocation is the token budget granted to each slot.
type Allocation map[string]int

// Total sums every slot.
func (a Allocation) Total() int {
	n := 0
	for _, v := range a {
		n += v
	}
	return n
}

var compressible = []string{config.SlotKnowledge, config.SlotMemory, config.SlotSummary, config.SlotRecentTurns}

// Allocate splits the usable window across slots given what each slot
// would like to use. The instruction header and generation reserve always
// get their base. A compressible slot starts at min(base, demand); tokens it
// leaves unused go to slots that want more, most critical first. When the
// bases alone overflow the window, slots are cut in truncation order down to
// their minimum.
func Allocate(b config.BudgetConfig, demand map[string]int) Allocation {
	slots := b.Slots()
	alloc := Allocation{
		config.SlotInstructionHeader: slots[config.SlotInstructionHeader].Base,
		config.SlotGenerationReserve: slots[config.SlotGenerationReserve].Base,
	}
	for _, name := range compressible {
		alloc[name] = min(slots[name].Base, max(demand[name], 0))
	}

	spare := b.Usable() - alloc.Total()
	order := b.TruncationOrder
	for i := len(order) - 1; i >= 0 && spare > 0; i-- {
		name := order[i]
		if want := demand[name] - alloc[name]; want > 0 {
			give := min(want, spare)
			alloc[name] += give
			spare -= give
		}
	}

	for _, name := range order {
		if spare >= 0 {
			break
		}
		floor := min(slots[name].Min, alloc[name])
		cut := min(alloc[name]-floor, -spare)
		alloc[name] -= cut
		spare += cut
	}
	return alloc
}

// uShape places ranked entries so the strongest sit at both edges of the
// block: ranks 1,3,5,… from the front, then 2,4,6,… from the back.
func uShape[T any](ranked []T) []T {
	out := make([]T, 0, len(ranked))
	for i := 0; i < len(ranked); i += 2 {
		out = append(out, ranked[i])
	}
	last := len(ranked) - 1
	if last%2 == 0 {
		last--
	}
	for i := last; i >= 1; i -= 2 {
		out = append(out, ranked[i])
	}
	return out
}
