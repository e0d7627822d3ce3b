package types

import (
	"encoding/json"
	"regexp"
)

// MaxAnnouncementBytes bounds an announcement payload
const MaxAnnouncementBytes = 64 * 1024

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for the high-frequency join/leave path
var groupNameRegex = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// IsValidGroupName checks class, section and user group names
func IsValidGroupName(name string) bool {
	if len(name) < 1 || len(name) > 100 {
		return false
	}
	return groupNameRegex.MatchString(name)
}

// IsKnownEvent reports whether event belongs to channel
func IsKnownEvent(channel, event string) bool {
	switch channel {
	case ChannelExam:
		return event == EventReceiveExam || event == EventUpdateExamStatus
	case ChannelNotification:
		return event == EventReceiveNotification
	default:
		return false
	}
}

// Validate checks the routing fields of an exam assignment
func (a *ExamAssignment) Validate() error {
	if a.ExamID == "" {
		return ErrMissingExamID
	}
	if !IsValidGroupName(a.ClassGroup) {
		return ErrInvalidGroupName
	}
	return nil
}

// Validate checks the routing fields of a status change
func (s *ExamStatusChange) Validate() error {
	if s.ExamID == "" {
		return ErrMissingExamID
	}
	if !IsValidGroupName(s.ClassGroup) {
		return ErrInvalidGroupName
	}
	if s.Status == "" {
		return ErrMissingStatus
	}
	return nil
}

// ValidateAnnouncement accepts any well-formed JSON value up to MaxAnnouncementBytes.
// Content rules belong to the caller.
func ValidateAnnouncement(a Announcement) error {
	if len(a) == 0 || !json.Valid(a) {
		return ErrInvalidAnnouncement
	}
	if len(a) > MaxAnnouncementBytes {
		return ErrPayloadTooLarge
	}
	return nil
}
