// Package listenerbus implements the scheduler's ListenerBus collaborator
// (spec.md §6.3): a fire-and-forget telemetry sink. The NATS-backed
// implementation publishes one JSON event per subject; Noop drops
// everything, for callers that don't need a bus wired up.
package listenerbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/dagsched/internal/natsctx"
	"github.com/swarmguard/dagsched/internal/scheduler"
)

const (
	subjectJobStart       = "dagsched.events.job_start"
	subjectJobEnd         = "dagsched.events.job_end"
	subjectStageSubmitted = "dagsched.events.stage_submitted"
	subjectStageCompleted = "dagsched.events.stage_completed"
	subjectTaskStart      = "dagsched.events.task_start"
	subjectTaskEnd        = "dagsched.events.task_end"
)

// NATS publishes every ListenerBus call as a JSON event on a per-kind
// subject (spec.md §6.3 "Listener/telemetry errors" are logged, never
// surfaced to the event loop).
type NATS struct {
	conn *nats.Conn
	log  *slog.Logger
}

func New(conn *nats.Conn, log *slog.Logger) *NATS {
	if log == nil {
		log = slog.Default()
	}
	return &NATS{conn: conn, log: log}
}

func (n *NATS) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		n.log.Warn("listener bus marshal failed", slog.String("subject", subject), slog.Any("error", err))
		return
	}
	if err := natsctx.Publish(context.Background(), n.conn, subject, data); err != nil {
		n.log.Warn("listener bus publish failed", slog.String("subject", subject), slog.Any("error", err))
	}
}

func (n *NATS) JobStart(jobID scheduler.JobID, properties map[string]string) {
	n.publish(subjectJobStart, struct {
		JobID      scheduler.JobID   `json:"job_id"`
		Properties map[string]string `json:"properties,omitempty"`
		At         time.Time         `json:"at"`
	}{jobID, properties, time.Now()})
}

func (n *NATS) JobEnd(jobID scheduler.JobID, failed bool, reason string) {
	n.publish(subjectJobEnd, struct {
		JobID  scheduler.JobID `json:"job_id"`
		Failed bool            `json:"failed"`
		Reason string          `json:"reason,omitempty"`
		At     time.Time       `json:"at"`
	}{jobID, failed, reason, time.Now()})
}

func (n *NATS) StageSubmitted(stageID scheduler.StageID, attemptID int) {
	n.publish(subjectStageSubmitted, struct {
		StageID   scheduler.StageID `json:"stage_id"`
		AttemptID int               `json:"attempt_id"`
		At        time.Time         `json:"at"`
	}{stageID, attemptID, time.Now()})
}

func (n *NATS) StageCompleted(stageID scheduler.StageID, attemptID int, failed bool) {
	n.publish(subjectStageCompleted, struct {
		StageID   scheduler.StageID `json:"stage_id"`
		AttemptID int               `json:"attempt_id"`
		Failed    bool              `json:"failed"`
		At        time.Time         `json:"at"`
	}{stageID, attemptID, failed, time.Now()})
}

func (n *NATS) TaskStart(stageID scheduler.StageID, attemptID, partition int) {
	n.publish(subjectTaskStart, struct {
		StageID   scheduler.StageID `json:"stage_id"`
		AttemptID int               `json:"attempt_id"`
		Partition int               `json:"partition"`
		At        time.Time         `json:"at"`
	}{stageID, attemptID, partition, time.Now()})
}

func (n *NATS) TaskEnd(stageID scheduler.StageID, attemptID, partition int, reason string) {
	n.publish(subjectTaskEnd, struct {
		StageID   scheduler.StageID `json:"stage_id"`
		AttemptID int               `json:"attempt_id"`
		Partition int               `json:"partition"`
		Reason    string            `json:"reason"`
		At        time.Time         `json:"at"`
	}{stageID, attemptID, partition, reason, time.Now()})
}

// Noop discards every event; useful for tests and single-process runs
// without a NATS server.
type Noop struct{}

func (Noop) JobStart(scheduler.JobID, map[string]string)            {}
func (Noop) JobEnd(scheduler.JobID, bool, string)                   {}
func (Noop) StageSubmitted(scheduler.StageID, int)                  {}
func (Noop) StageCompleted(scheduler.StageID, int, bool)            {}
func (Noop) TaskStart(scheduler.StageID, int, int)                  {}
func (Noop) TaskEnd(scheduler.StageID, int, int, string)            {}
