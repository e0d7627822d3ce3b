package interfaces

import (
	"context"

	"examrelay/pkg/types"
)

// DeliveryReport summarises one best-effort dispatch
type DeliveryReport struct {
	Targeted  int `json:"targeted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// ExamPublisher is the inbound surface used by the exam-scheduling workflow
type ExamPublisher interface {
	// PushExamAssignment delivers ReceiveExam to every member of classGroup
	PushExamAssignment(ctx context.Context, classGroup string, assignment types.ExamAssignment) (DeliveryReport, error)

	// PushExamStatusChange delivers UpdateExamStatus to every member of classGroup
	PushExamStatusChange(ctx context.Context, classGroup string, change types.ExamStatusChange) (DeliveryReport, error)
}

// Announcer is the server-originated side of the notification channel
type Announcer interface {
	Broadcast(ctx context.Context, announcement types.Announcement) (DeliveryReport, error)
}
