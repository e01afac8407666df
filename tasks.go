package wristcore

import (
	"slices"
	"sync"

	"github.com/hupe1980/wristcore/worker"
)

// TaskTable is an in-process worker.Scheduler. Tasks acknowledge exit
// requests immediately unless marked stubborn.
type TaskTable struct {
	mu     sync.Mutex
	nextID uint32
	tasks  map[uint32]*Task
}

// NewTaskTable returns an empty task table. Task ids start at 2; 1 is the
// kernel main task.
func NewTaskTable() *TaskTable {
	return &TaskTable{nextID: 1, tasks: map[uint32]*Task{}}
}

// Start implements worker.Scheduler.
func (t *TaskTable) Start(req worker.StartRequest) (worker.Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	task := &Task{id: t.nextID, install: req.ID, entry: req.Entry, table: t}
	t.tasks[task.id] = task
	return task, nil
}

// Get returns the live task id.
func (t *TaskTable) Get(id uint32) (*Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[id]
	return task, ok
}

// Live returns the ids of live tasks in ascending order.
func (t *TaskTable) Live() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]uint32, 0, len(t.tasks))
	for id := range t.tasks {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (t *TaskTable) remove(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tasks, id)
}

// Task is a task of a TaskTable.
type Task struct {
	id      uint32
	install worker.InstallID
	entry   uint32
	table   *TaskTable

	mu       sync.Mutex
	stubborn bool
	exiting  bool
	acked    bool
}

// ID implements worker.Task.
func (t *Task) ID() uint32 { return t.id }

// Install returns the install the task runs.
func (t *Task) Install() worker.InstallID { return t.install }

// Entry returns the entry point the task started at.
func (t *Task) Entry() uint32 { return t.entry }

// SetStubborn makes the task ignore exit requests until Ack.
func (t *Task) SetStubborn(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stubborn = v
}

// Ack acknowledges a pending exit request.
func (t *Task) Ack() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acked = true
}

// RequestExit implements worker.Task.
func (t *Task) RequestExit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exiting = true
	if !t.stubborn {
		t.acked = true
	}
}

// SafeToKill implements worker.Task.
func (t *Task) SafeToKill() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exiting && t.acked
}

// Kill implements worker.Task.
func (t *Task) Kill() { t.table.remove(t.id) }
