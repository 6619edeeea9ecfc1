package sync

import (
	"fmt"
	"time"
)

// TimestampLayout is the commit message timestamp format. Downstream tooling
// parses it, so it must not change.
const TimestampLayout = "2006-01-02 15:04:05"

// Commit message verbs.
const (
	VerbSync       = "Sync"
	VerbPush       = "Push"
	VerbInitialize = "Initialize"
)

// CommitMessage formats the message recorded for a published change.
func CommitMessage(verb, label string, at time.Time) string {
	return fmt.Sprintf("%s rules from %s at %s", verb, label, at.Format(TimestampLayout))
}
