package broker

import "strings"

// Channel names follow "<domain>:<id>". Producers and SSE consumers build
// them with the same helpers so the format stays a single contract.
const (
	DomainQA   = "qa"
	DomainTask = "task"

	// ControlChannel carries cancel requests between processes.
	ControlChannel = "control:cancel"
)

// Event types published on task channels. Consumers must tolerate others.
const (
	EventConnected        = "connected"
	EventWorkflowStart    = "workflow_start"
	EventResearchStart    = "research_start"
	EventResearchProgress = "research_progress"
	EventAnswerChunk      = "answer_chunk"
	EventProgress         = "progress"
	EventItemResult       = "item_result"
	EventComplete         = "complete"
	EventError            = "error"
	EventCancelled        = "cancelled"
	EventHeartbeat        = "heartbeat"
	EventCancelRequest    = "cancel_request"
)

func Channel(domain, id string) string { return domain + ":" + id }

func QAChannel(id string) string { return Channel(DomainQA, id) }

func TaskChannel(id string) string { return Channel(DomainTask, id) }

// IsTerminal reports whether an event type ends a task stream.
func IsTerminal(eventType string) bool {
	switch eventType {
	case EventComplete, EventError, EventCancelled:
		return true
	}
	return false
}

// SplitChannel returns the domain and id parts of a channel name.
func SplitChannel(channel string) (domain, id string, ok bool) {
	return strings.Cut(channel, ":")
}
