package hub

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"examrelay/internal/dispatch"
	"examrelay/internal/metrics"
	"examrelay/internal/websocket"
	"examrelay/pkg/interfaces"
	"examrelay/pkg/types"
)

// ExamHub is the receive-only exam channel
// ARCHITECTURAL DISCOVERY: Clients only join and leave class groups; every event
// originates from the exam workflow through the ExamPublisher surface
type ExamHub struct {
	*Hub
}

var _ interfaces.ExamPublisher = (*ExamHub)(nil)

// NewExamHub creates the exam channel hub around its registry
func NewExamHub(registry *websocket.Registry, logger *zap.Logger, m *metrics.Metrics) *ExamHub {
	return &ExamHub{Hub: newHub(registry, 0, logger, m)}
}

// PushExamAssignment delivers ReceiveExam to every member of classGroup
func (h *ExamHub) PushExamAssignment(ctx context.Context, classGroup string, assignment types.ExamAssignment) (interfaces.DeliveryReport, error) {
	if assignment.ClassGroup == "" {
		assignment.ClassGroup = classGroup
	}
	if err := validateTarget(classGroup, assignment.Validate); err != nil {
		return interfaces.DeliveryReport{}, err
	}

	env := dispatch.NewEnvelope(types.ChannelExam, types.EventReceiveExam, assignment, types.ToGroup(classGroup))
	report, err := h.Dispatch(ctx, env)
	if err != nil {
		return report, err
	}

	h.logger.Info("exam assignment pushed",
		zap.String("exam_id", assignment.ExamID),
		zap.String("class_group", classGroup),
		zap.Int("delivered", report.Delivered))
	return report, nil
}

// PushExamStatusChange delivers UpdateExamStatus to every member of classGroup
func (h *ExamHub) PushExamStatusChange(ctx context.Context, classGroup string, change types.ExamStatusChange) (interfaces.DeliveryReport, error) {
	if change.ClassGroup == "" {
		change.ClassGroup = classGroup
	}
	if err := validateTarget(classGroup, change.Validate); err != nil {
		return interfaces.DeliveryReport{}, err
	}

	env := dispatch.NewEnvelope(types.ChannelExam, types.EventUpdateExamStatus, change, types.ToGroup(classGroup))
	report, err := h.Dispatch(ctx, env)
	if err != nil {
		return report, err
	}

	h.logger.Info("exam status pushed",
		zap.String("exam_id", change.ExamID),
		zap.String("status", change.Status),
		zap.String("class_group", classGroup),
		zap.Int("delivered", report.Delivered))
	return report, nil
}

// Invoke rejects every method; the exam channel accepts no client invocations
func (h *ExamHub) Invoke(_ context.Context, _ interfaces.Connection, method string, _ json.RawMessage) error {
	h.metrics.Invoked(h.channel, method, resultRejected)
	return interfaces.ErrUnknownMethod
}

// validateTarget checks the routing group, which must be a real class group rather than "all"
func validateTarget(classGroup string, validate func() error) error {
	if classGroup == types.GroupAll || !types.IsValidGroupName(classGroup) {
		return types.ErrInvalidGroupName
	}
	return validate()
}
