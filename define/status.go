package define

// StatusMessage is one progress message inside a saga stage.
type StatusMessage struct {
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// StatusUpdate is the progress record of one saga stage. Its message list only
// grows, and status never returns to running once completed or failed.
type StatusUpdate struct {
	Stage       string          `json:"stage"`
	Description string          `json:"description"`
	Status      string          `json:"status"`
	Messages    []StatusMessage `json:"messages"`
	StartedAt   string          `json:"startedAt"`
	CompletedAt string          `json:"completedAt,omitempty"`
}

// StatusDocument is the wire format of the custom status projection. It is
// serialized to UTF-8 JSON and stored as one string valued property of the
// instance record.
type StatusDocument struct {
	Updates []StatusUpdate `json:"updates"`
}
