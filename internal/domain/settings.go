package domain

import "time"

// BotSettings holds the global switches that stop automatic replies.
type BotSettings struct {
	KillSwitch    bool
	Reason        string
	AutoTriggered bool
	Paused        bool
	UpdatedAt     time.Time
}

// Halted reports whether automatic replies are stopped globally.
func (s BotSettings) Halted() bool {
	return s.KillSwitch || s.Paused
}
