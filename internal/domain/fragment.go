package domain

import (
	"strings"
	"time"
)

// Fragment is a single inbound message unit waiting in a batch.
type Fragment struct {
	MessageID   string       `json:"messageId,omitempty"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// CombineFragments folds a drained batch into one piece of user content.
// Texts are joined with a space in arrival order.
func CombineFragments(frags []Fragment) Content {
	texts := make([]string, 0, len(frags))
	var atts []Attachment
	for _, f := range frags {
		if t := strings.TrimSpace(f.Text); t != "" {
			texts = append(texts, t)
		}
		atts = append(atts, f.Attachments...)
	}
	return NewContent(strings.Join(texts, " "), atts)
}

// LatestTimestamp returns the arrival time of the newest fragment.
func LatestTimestamp(frags []Fragment) time.Time {
	var latest time.Time
	for _, f := range frags {
		if f.Timestamp.After(latest) {
			latest = f.Timestamp
		}
	}
	return latest
}
