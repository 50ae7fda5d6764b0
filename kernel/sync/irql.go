package sync

import "aurora/kernel/cpu"

// Irql is the interrupt request level of the processor. On a single
// processor the only levels that matter are whether device interrupts may be
// delivered (Passive) or not (Dispatch and above).
type Irql uint8

const (
	// IrqlPassive is the level of normal thread execution; interrupts are
	// enabled.
	IrqlPassive Irql = 0

	// IrqlDispatch is the level held while a spinlock is owned; interrupts
	// are disabled so the scheduler cannot run.
	IrqlDispatch Irql = 2

	// IrqlHigh is the level during early boot and inside interrupt
	// handlers.
	IrqlHigh Irql = 15
)

var (
	// The processor boots with interrupts masked. The HAL drops to
	// IrqlPassive once the interrupt controller is programmed.
	currentIrql = IrqlHigh

	// enableInterruptsFn and disableInterruptsFn are mocked by tests.
	enableInterruptsFn  = cpu.EnableInterrupts
	disableInterruptsFn = cpu.DisableInterrupts
)

// CurrentIrql returns the current interrupt request level.
func CurrentIrql() Irql {
	return currentIrql
}

// RaiseIrql raises the current level to newIrql and returns the previous
// level. Raising to a level lower than the current one leaves the level
// unchanged.
func RaiseIrql(newIrql Irql) Irql {
	old := currentIrql
	if newIrql <= old {
		return old
	}

	if old < IrqlDispatch && newIrql >= IrqlDispatch {
		disableInterruptsFn()
	}
	currentIrql = newIrql
	return old
}

// LowerIrql restores a level previously returned by RaiseIrql. Interrupts
// are re-enabled when the level drops below IrqlDispatch.
func LowerIrql(oldIrql Irql) {
	prev := currentIrql
	currentIrql = oldIrql

	if prev >= IrqlDispatch && oldIrql < IrqlDispatch {
		enableInterruptsFn()
	}
}
