package worker

import "errors"

var (
	// ErrNoWorker is returned when an operation needs a running worker.
	ErrNoWorker = errors.New("worker: no worker running")
	// ErrInvalidID is returned for the zero install id.
	ErrInvalidID = errors.New("worker: invalid install id")
)
