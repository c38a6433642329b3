// Package models defines the data types shared across the application.
package models

// MentionEvent is the internal representation of a Slack mention addressed to
// the bot, decoded once at the webhook boundary. It carries everything the
// answer pipeline needs; the raw payload is discarded after dispatch.
type MentionEvent struct {
	Text            string
	Channel         string
	Timestamp       string
	ThreadTimestamp string
	UserID          string
}

// ThreadTS returns the timestamp replies should thread under: the enclosing
// thread if the mention was inside one, otherwise the mention itself.
func (e MentionEvent) ThreadTS() string {
	if e.ThreadTimestamp != "" {
		return e.ThreadTimestamp
	}
	return e.Timestamp
}

// AgentSources holds the per-tool context strings aggregated for a user.
// Slices are ordered as received from the aggregation layer and rendered
// unaltered.
type AgentSources struct {
	Calendar     []string `firestore:"calendar" json:"calendar"`
	Messaging    []string `firestore:"messaging" json:"messaging"`
	IssueTracker []string `firestore:"issue_tracker" json:"issueTracker"`
}

// AgentData is the aggregated tool data for one user's agent, keyed by Slack
// user ID in the store.
type AgentData struct {
	DisplayName string       `firestore:"display_name" json:"displayName"`
	Sources     AgentSources `firestore:"sources" json:"sources"`
}

// Connection statuses as reported by the connection broker.
const (
	ConnectionStatusActive    = "ACTIVE"
	ConnectionStatusInitiated = "INITIATED"
	ConnectionStatusFailed    = "FAILED"
)

// Connection is one broker-side connection record for a (user, tool) pair.
type Connection struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	AuthConfigID string `json:"auth_config_id"`
	UserID       string `json:"user_id"`
}

// Active reports whether the connection is usable for data aggregation.
func (c Connection) Active() bool {
	return c.Status == ConnectionStatusActive
}
