package events

import "time"

// Topic enumerates high-level topics inside the trading core.
type Topic string

const (
	TopicStatus       Topic = "status"
	TopicContext      Topic = "context"
	TopicMultiContext Topic = "multi_context"
	TopicOrderPlaced  Topic = "order.placed"
	TopicFill         Topic = "order.fill"
)

// Severity grades a status message.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Verbosity separates always-shown messages from debug chatter.
type Verbosity int

const (
	VerbosityNormal Verbosity = iota
	VerbosityVerbose
)

// Status is a human-readable engine message for observers.
type Status struct {
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Verbosity Verbosity `json:"verbosity"`
	MarketID  string    `json:"market_id,omitempty"`
	Time      time.Time `json:"time"`
}
