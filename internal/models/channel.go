package models

// Channel names carried over the event bus. Each maps to one single-slot mailbox in the store.
const (
	ChannelTeacherPresence = "teacher-presence"
	ChannelCreatePoll      = "create-poll"
	ChannelEndPoll         = "end-poll"
	ChannelSubmitAnswer    = "submit-answer"
	ChannelPollResults     = "poll-results"
	ChannelStudentJoin     = "student-join"
	ChannelStudentLeave    = "student-leave"
	ChannelKickStudent     = "kick-student"
)

// PresenceStatus is the teacher's announced status.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceMessage is the teacher-presence payload.
type PresenceMessage struct {
	Status      PresenceStatus `json:"status"`
	TeacherName string         `json:"teacherName,omitempty"`
}

// EndPollMessage is the end-poll payload.
type EndPollMessage struct {
	PollID string `json:"pollId"`
}

// AnswerMessage is the submit-answer payload.
type AnswerMessage struct {
	PollID       string `json:"pollId"`
	Option       string `json:"option"`
	StudentName  string `json:"studentName"`
	StudentEmail string `json:"studentEmail"`
}

// JoinMessage is the student-join payload.
type JoinMessage struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// LeaveMessage is the student-leave payload.
type LeaveMessage struct {
	Email string `json:"email"`
}

// KickMessage is the kick-student payload.
type KickMessage struct {
	StudentEmail string `json:"studentEmail"`
}
