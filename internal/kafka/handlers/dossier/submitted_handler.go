package dossier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/dossier-executor/internal/model"
)

var ErrInvalidSubmission = errors.New("invalid submission")

// dispatcher schedules submissions on the worker pool.
type dispatcher interface {
	Dispatch(ctx context.Context, sub model.Submission)
}

// SubmittedHandler handles Kafka messages carrying dossier submissions.
type SubmittedHandler struct {
	dispatcher dispatcher
}

// NewSubmittedHandler creates a new handler with the given dispatcher.
func NewSubmittedHandler(d dispatcher) *SubmittedHandler {
	return &SubmittedHandler{dispatcher: d}
}

// Handle decodes the submission and hands it to the worker pool. It blocks
// while the pool is full.
func (h *SubmittedHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var sub model.Submission
	if err := json.Unmarshal(msg.Value, &sub); err != nil {
		return fmt.Errorf("unmarshal submission: %w", err)
	}

	if sub.JobID == 0 || sub.RandomKey == "" {
		return fmt.Errorf("%w: missing job id or random key", ErrInvalidSubmission)
	}

	h.dispatcher.Dispatch(ctx, sub)

	zlog.Logger.Info().
		Int64("job_id", sub.JobID).
		Int("reports", len(sub.Template.Reports)).
		Msg("dossier job dispatched")

	return nil
}
