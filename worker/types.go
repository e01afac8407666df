package worker

import (
	"fmt"
	"time"

	"github.com/hupe1980/wristcore/internal/memseg"
	"github.com/hupe1980/wristcore/loader"
)

// InstallID identifies an installed app. Zero means none.
type InstallID uint32

// State is the worker manager state.
type State int

const (
	StateIdle State = iota
	StateLaunching
	StateRunning
	StateClosingGraceful
	StateClosingCrashed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateClosingGraceful:
		return "closing_graceful"
	case StateClosingCrashed:
		return "closing_crashed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Metadata describes how to load a worker.
type Metadata struct {
	ID   InstallID
	Name string
	// Image is the flash file holding the process image. If empty, the
	// image is read from resource Resource of the resource bank.
	Image     string
	Resource  uint32
	StackSize uint32
}

// Catalog resolves install ids.
type Catalog interface {
	Lookup(id InstallID) (Metadata, error)
}

// Layout is the memory handed to a started worker.
type Layout struct {
	Guard memseg.Segment
	Stack memseg.Segment
	Image memseg.Segment
	Heap  memseg.Segment
}

// StartRequest is passed to the Scheduler to create the worker task.
type StartRequest struct {
	ID      InstallID
	Entry   uint32
	Layout  Layout
	Process *loader.Process
}

// Task is a running worker task.
type Task interface {
	ID() uint32
	// RequestExit asks the task to wind down.
	RequestExit()
	// SafeToKill reports whether the task has acknowledged the exit
	// request and can be destroyed.
	SafeToKill() bool
	// Kill destroys the task.
	Kill()
}

// Scheduler creates worker tasks.
type Scheduler interface {
	Start(req StartRequest) (Task, error)
}

// InstallNotifier is told when workers start and stop.
type InstallNotifier interface {
	WorkerStarted(id InstallID)
	WorkerStopped(id InstallID, crashed bool)
}

// Prompter asks the user whether to recover a crash-looping worker.
type Prompter interface {
	PromptRecover(id InstallID)
}

// Metrics receives worker lifecycle events.
type Metrics interface {
	RecordWorkerLaunch(d time.Duration, err error)
	RecordWorkerCrash()
	RecordWorkerClose(crashed bool)
}

// Context is the running worker.
type Context struct {
	ID         InstallID
	Task       Task
	Process    *loader.Process
	Layout     Layout
	LaunchedAt time.Time
}
