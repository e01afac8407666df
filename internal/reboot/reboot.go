// Package reboot defines tagged reboot reasons and the handler invoked for
// unrecoverable conditions.
//
// Fatal paths never try to continue: they record diagnostics, call
// [Handler.Reboot] and return an error wrapping [ErrRebooting] so the caller
// unwinds without touching state that may be inconsistent.
package reboot

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrRebooting is wrapped by every error returned after a fatal condition.
var ErrRebooting = errors.New("system reboot requested")

// Reason is the tagged reboot reason code.
type Reason uint16

const (
	ReasonUnknown Reason = iota
	// ReasonSettingsIO is a low-level I/O failure inside the record iterator.
	ReasonSettingsIO
	// ReasonSettingsDoubleOpen is a settings file opened twice (missing mutex).
	ReasonSettingsDoubleOpen
	// ReasonCorruptImage is a process image that failed checksum verification.
	ReasonCorruptImage
	// ReasonKernelFault is a hard fault taken while in privileged mode.
	ReasonKernelFault
	// ReasonStackOverflow is a stack overflow taken while in privileged mode.
	ReasonStackOverflow
	// ReasonWatchdog is a watchdog expiry.
	ReasonWatchdog
)

var reasonNames = map[Reason]string{
	ReasonUnknown:            "unknown",
	ReasonSettingsIO:         "settings_io",
	ReasonSettingsDoubleOpen: "settings_double_open",
	ReasonCorruptImage:       "corrupt_image",
	ReasonKernelFault:        "kernel_fault",
	ReasonStackOverflow:      "stack_overflow",
	ReasonWatchdog:           "watchdog",
}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("reason(%d)", uint16(r))
}

// Error describes a requested reboot.
type Error struct {
	Reason Reason
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("reboot (%s): %s", e.Reason, e.Detail)
}

func (e *Error) Unwrap() error { return ErrRebooting }

// Handler performs a system reboot.
type Handler interface {
	Reboot(reason Reason, detail string)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(reason Reason, detail string)

func (f HandlerFunc) Reboot(reason Reason, detail string) { f(reason, detail) }

// Panic is the default handler. It logs the reason and panics with an
// *Error, the closest thing to a reset inside a hosted process.
type Panic struct {
	Logger *slog.Logger
}

func (p Panic) Reboot(reason Reason, detail string) {
	if p.Logger != nil {
		p.Logger.Error("rebooting", "reason", reason.String(), "detail", detail)
	}
	panic(&Error{Reason: reason, Detail: detail})
}

// Recorder records reboot requests instead of acting on them. It is used by
// tests and by the simulator.
type Recorder struct {
	mu      sync.Mutex
	reasons []Error
}

func (r *Recorder) Reboot(reason Reason, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, Error{Reason: reason, Detail: detail})
}

// Reasons returns the recorded reasons in order.
func (r *Recorder) Reasons() []Reason {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Reason, len(r.reasons))
	for i, e := range r.reasons {
		out[i] = e.Reason
	}
	return out
}

// Last returns the most recent request.
func (r *Recorder) Last() (Error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.reasons) == 0 {
		return Error{}, false
	}
	return r.reasons[len(r.reasons)-1], true
}

// Fatal invokes h and returns the matching error for the caller to return.
func Fatal(h Handler, reason Reason, detail string) error {
	if h != nil {
		h.Reboot(reason, detail)
	}
	return &Error{Reason: reason, Detail: detail}
}
