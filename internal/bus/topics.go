package bus

import "github.com/basket/tally/internal/model"

// Topic prefixes and topics.
const (
	// TopicTaskPrefix matches every task mutation; the full topic is
	// "task.<kind>" and the payload is a model.MutationEvent.
	TopicTaskPrefix = "task."

	TopicRollupWritten     = "rollup.written"
	TopicSnapshotPublished = "snapshot.published"
	TopicConfigReloaded    = "config.reloaded"
)

// TaskTopic returns the topic a mutation of kind is published on.
func TaskTopic(kind model.MutationKind) string {
	return TopicTaskPrefix + string(kind)
}

// RollupWritten is published after a daily rollup row is stored.
type RollupWritten struct {
	UserID string
	Date   string // YYYY-MM-DD
}

// SnapshotPublished is published after a new aggregate generation is swapped in.
type SnapshotPublished struct {
	Generation uint64
	Users      int
}

// ConfigReloaded is published when the config watcher applies a new file.
type ConfigReloaded struct {
	Path string
}
