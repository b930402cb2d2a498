package assembler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/andyan77/diyu-agent-sub002/internal/config"
)

func TestUShape(t *testing.T) {
	assert.Equal(t, []int{1, 3, 5, 6, 4, 2}, uShape([]int{1, 2, 3, 4, 5, 6}))
	assert.Equal(t, []int{1, 3, 5, 4, 2}, uShape([]int{1, 2, 3, 4, 5}))
	assert.Equal(t, []int{1, 2}, uShape([]int{1, 2}))
	assert.Equal(t, []int{1}, uShape([]int{1}))
	assert.Empty(t, uShape([]int{}))
}

func TestAllocate_SurplusFlowsToMemory(t *testing.T) {
	b := config.Default().Budget
	alloc := Allocate(b, map[string]int{
		config.SlotMemory:      5000,
		config.SlotRecentTurns: 100,
	})

	assert.Equal(t, b.InstructionHeader.Base, alloc[config.SlotInstructionHeader])
	assert.Equal(t, b.GenerationReserve.Base, alloc[config.SlotGenerationReserve])
	assert.Equal(t, 5000, alloc[config.SlotMemory])
	assert.Equal(t, 100, alloc[config.SlotRecentTurns])
	assert.Equal(t, 0, alloc[config.SlotKnowledge])
	assert.Equal(t, 0, alloc[config.SlotSummary])
	assert.LessOrEqual(t, alloc.Total(), b.Usable())
}

func TestAllocate_TruncatesInOrderDownToMinimum(t *testing.T) {
	b := config.Default().Budget
	b.ModelWindow = 3000
	b.SafetyMargin = 0
	huge := map[string]int{
		config.SlotKnowledge:   10000,
		config.SlotMemory:      10000,
		config.SlotSummary:     10000,
		config.SlotRecentTurns: 10000,
	}

	alloc := Allocate(b, huge)

	assert.Equal(t, 0, alloc[config.SlotSummary])
	assert.Equal(t, 0, alloc[config.SlotKnowledge])
	assert.Equal(t, b.RecentTurns.Min, alloc[config.SlotRecentTurns])
	assert.Equal(t, 3000-300-1024-300, alloc[config.SlotMemory])
	assert.Equal(t, b.InstructionHeader.Base, alloc[config.SlotInstructionHeader])
	assert.Equal(t, 3000, alloc.Total())
}

func TestAllocate_IdleSlotsReleaseTheirBase(t *testing.T) {
	b := config.Default().Budget
	alloc := Allocate(b, map[string]int{config.SlotSummary: 50})
	assert.Equal(t, 50, alloc[config.SlotSummary])
	assert.Equal(t, 0, alloc[config.SlotMemory])
}
