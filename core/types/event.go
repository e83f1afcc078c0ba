package types

// Event is the structured payload describing a state change, consumed by
// external observers and indexers.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
