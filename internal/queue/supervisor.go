package queue

import (
	"fmt"
	"time"

	"framemill/internal/models"
)

// stallTimeoutLocked is the age beyond which a processing job counts as
// stuck: four times the rolling average, floored.
func (q *Queue) stallTimeoutLocked() time.Duration {
	timeout := 4 * q.averageDurationLocked()
	if timeout < q.stallFloor {
		timeout = q.stallFloor
	}
	return timeout
}

// superviseLocked fails the in-flight job once its elapsed time exceeds the
// stall timeout, fences the worker generation that owned it and feeds the
// circuit breaker. It runs during admission and enqueue; there is no
// background timer, so a stalled job is only detected when traffic arrives.
func (q *Queue) superviseLocked(now time.Time) {
	if q.processing == "" {
		return
	}
	timeout := q.stallTimeoutLocked()
	if now.Sub(q.processingSince) <= timeout {
		return
	}

	jobID := q.processing
	seconds := int64(timeout / time.Second)
	message := fmt.Sprintf("job exceeded %d seconds, aborted by supervisor", seconds)
	finishedAt := now.UTC()
	var payload models.JobPayload
	if job, ok := q.store.Update(jobID, func(j *models.Job) {
		if j.Status.Terminal() {
			return
		}
		j.Status = models.JobStatusFailed
		j.Error = message
		j.FinishedAt = &finishedAt
	}); ok {
		payload = job.Payload
	}

	q.processing = ""
	q.generation++
	q.workerRunning = false
	if q.workerCancel != nil {
		q.workerCancel()
	}
	q.stallCount++
	q.metrics.JobStalled()
	q.metrics.JobFailed()
	q.logger.Error("supervisor aborted stalled job", "job_id", jobID, "timeout_seconds", seconds, "consecutive_stalls", q.stallCount)
	if q.stallCount >= q.breakerThreshold && q.breakerOpenedAt.IsZero() {
		q.breakerOpenedAt = now
		q.metrics.SetBreakerOpen(true)
		q.logger.Error("circuit breaker opened", "consecutive_stalls", q.stallCount, "cooldown", q.breakerCooldown.String())
	}
	q.cleanupScratch(jobID, payload)
}

// breakerOpenLocked reports breaker state, closing it once the cooldown has
// elapsed. Closing does not reset the stall counter; only a completed job
// does that.
func (q *Queue) breakerOpenLocked(now time.Time) bool {
	if q.breakerOpenedAt.IsZero() {
		return false
	}
	if now.Sub(q.breakerOpenedAt) < q.breakerCooldown {
		return true
	}
	q.breakerOpenedAt = time.Time{}
	q.metrics.SetBreakerOpen(false)
	q.logger.Info("circuit breaker closed after cooldown")
	return false
}
