package client

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"examrelay/pkg/types"
)

// ExamClient is a Manager bound to the exam channel
type ExamClient struct {
	*Manager
}

// NewExamClient connects to baseURL + /hubs/exam; baseURL may use http(s) or ws(s)
func NewExamClient(baseURL string, opts ...Option) *ExamClient {
	return &ExamClient{Manager: New(ChannelURL(baseURL, types.PathExamHub), opts...)}
}

// OnReceiveExam handles exam assignments pushed to a joined class group
func (c *ExamClient) OnReceiveExam(fn func(types.ExamAssignment)) error {
	return c.On(types.EventReceiveExam, func(payload json.RawMessage) {
		var assignment types.ExamAssignment
		if err := json.Unmarshal(payload, &assignment); err != nil {
			c.logger.Warn("undecodable ReceiveExam payload", zap.Error(err))
			return
		}
		fn(assignment)
	})
}

// OnUpdateExamStatus handles exam status transitions
func (c *ExamClient) OnUpdateExamStatus(fn func(types.ExamStatusChange)) error {
	return c.On(types.EventUpdateExamStatus, func(payload json.RawMessage) {
		var change types.ExamStatusChange
		if err := json.Unmarshal(payload, &change); err != nil {
			c.logger.Warn("undecodable UpdateExamStatus payload", zap.Error(err))
			return
		}
		fn(change)
	})
}

// NotificationClient is a Manager bound to the notification channel
type NotificationClient struct {
	*Manager
}

// NewNotificationClient connects to baseURL + /hubs/notification
func NewNotificationClient(baseURL string, opts ...Option) *NotificationClient {
	return &NotificationClient{Manager: New(ChannelURL(baseURL, types.PathNotificationHub), opts...)}
}

// OnReceiveNotification handles announcements; the payload is any JSON value
func (c *NotificationClient) OnReceiveNotification(fn func(types.Announcement)) error {
	return c.On(types.EventReceiveNotification, func(payload json.RawMessage) {
		fn(types.Announcement(payload))
	})
}

// SendNotification broadcasts announcement to every connected client, this one included
func (c *NotificationClient) SendNotification(ctx context.Context, announcement any) error {
	return c.Invoke(ctx, types.MethodSendNotification, announcement)
}

// ChannelURL joins a server base URL and a channel path, mapping http(s) to ws(s)
func ChannelURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}
