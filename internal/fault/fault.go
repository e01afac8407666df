// Package fault is the boundary between processor faults and the kernel.
//
// A fault taken by an unprivileged task is survivable: the saved exception
// frame is redirected to the landing zone so the task unwinds into a
// harmless function instead of re-executing the faulting instruction, and
// the crash is reported to the system task, which tears the task down. A
// fault taken with kernel privilege is not survivable and reboots.
//
// Everything here runs in interrupt context, so nothing may block or touch
// flash.
package fault

import (
	"fmt"
	"log/slog"

	"github.com/hupe1980/wristcore/internal/reboot"
	"github.com/hupe1980/wristcore/internal/systask"
)

// Kind classifies a fault.
type Kind int

const (
	KindHardFault Kind = iota
	KindMemManage
	KindBusFault
	KindUsageFault
	KindStackOverflow
)

func (k Kind) String() string {
	switch k {
	case KindHardFault:
		return "hard_fault"
	case KindMemManage:
		return "mem_manage"
	case KindBusFault:
		return "bus_fault"
	case KindUsageFault:
		return "usage_fault"
	case KindStackOverflow:
		return "stack_overflow"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// psrThumb is the execution state bit of the program status register.
const psrThumb = 1 << 24

// Frame is the register frame stacked on exception entry.
type Frame struct {
	R0, R1, R2, R3 uint32
	R12            uint32
	LR             uint32
	PC             uint32
	PSR            uint32
}

// Crash describes a task fault reported to the system task.
type Crash struct {
	TaskID  uint32
	Kind    Kind
	FaultPC uint32
	LR      uint32
}

// Handler routes faults.
type Handler struct {
	// LandingZone is the address of the function faulted tasks return into.
	LandingZone uint32
	// Queue receives crash reports for unprivileged faults.
	Queue *systask.Queue
	// OnCrash runs on the system task for every reported crash.
	OnCrash func(Crash)
	Reboot  reboot.Handler
	Logger  *slog.Logger
}

// HandleFault handles a fault taken by task. For unprivileged faults frame
// is rewritten in place and nil is returned. Privileged faults request a
// reboot and return an error wrapping reboot.ErrRebooting.
func (h *Handler) HandleFault(task uint32, privileged bool, frame *Frame, kind Kind) error {
	logger := h.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if privileged {
		reason := reboot.ReasonKernelFault
		if kind == KindStackOverflow {
			reason = reboot.ReasonStackOverflow
		}
		detail := fmt.Sprintf("%s in privileged mode at pc=%#08x lr=%#08x", kind, frame.PC, frame.LR)
		logger.Error("kernel fault", "kind", kind.String(), "pc", frame.PC, "lr", frame.LR)
		return reboot.Fatal(h.Reboot, reason, detail)
	}

	crash := Crash{TaskID: task, Kind: kind, FaultPC: frame.PC, LR: frame.LR}
	// An exception return loads a halfword-aligned PC; Thumb state lives in
	// the PSR.
	frame.PC = h.LandingZone &^ 1
	frame.PSR |= psrThumb

	if h.Queue == nil || h.OnCrash == nil {
		return nil
	}
	onCrash := h.OnCrash
	if !h.Queue.TryEnqueue(func() { onCrash(crash) }) {
		// The task parks in the landing zone until the next report gets
		// through; the fault itself is already contained.
		logger.Error("dropped crash report", "task", task, "kind", kind.String())
	}
	return nil
}
