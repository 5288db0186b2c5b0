// Package channel talks to the message/call provider: outbound text
// messages and outbound call placement, plus the inbound event shapes the
// provider delivers to our webhooks.
package channel

// Message is an inbound provider message event.
type Message struct {
	From        string   `json:"from"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments"`
}

// CallStatusEvent is an inbound provider call-progress event.
type CallStatusEvent struct {
	CallID    string `json:"call_id"`
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Duration  int    `json:"duration"`
}

// Call states reported by the provider.
const (
	CallStateRinging  = "ringing"
	CallStateAnswered = "answered"
	CallStateNoAnswer = "no_answer"
	CallStateFailed   = "failed"
	CallStateEnded    = "ended"
)
