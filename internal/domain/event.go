package domain

// Event is a single archived record of a story.
type Event struct {
	StoryID    uint64 `json:"story_id"`
	EventTime  int64  `json:"event_time"` // nanoseconds since the Unix epoch
	ClientID   uint32 `json:"client_id"`
	EventIndex uint32 `json:"event_index"`
	LogRecord  string `json:"log_record"`
}

// StoryIdentity names an archived story inside a chronicle.
type StoryIdentity struct {
	Chronicle string
	Story     string
}

func (s StoryIdentity) String() string {
	return s.Chronicle + "." + s.Story
}
