package queue

import (
	"errors"
	"fmt"
)

// ErrQueueClosed is returned by Enqueue once Shutdown has begun.
var ErrQueueClosed = errors.New("queue: shut down")

// TooManyActiveJobsError rejects a submission whose owner already has the
// maximum number of jobs pending or processing.
type TooManyActiveJobsError struct {
	Active int
	Limit  int
}

func (e *TooManyActiveJobsError) Error() string {
	return fmt.Sprintf("owner already has %d active jobs (limit %d)", e.Active, e.Limit)
}
