package wire

import "strings"

// Topic namespaces. Rooms on the hub are keyed by these topic strings, and
// clients subscribe to the same names, so both sides share one vocabulary.
const (
	TopicAnalytics = "analytics"
	TopicJobs      = "jobs"
)

func ContentTopic(contentID string) string { return "content:" + contentID }

func WorkspaceTopic(workspaceID string) string { return "workspace:" + workspaceID }

func ExecutionTopic(executionID string) string { return "execution:" + executionID }

// SplitTopic returns the namespace and id of a scoped topic. Unscoped topics
// (analytics, jobs) come back with an empty id.
func SplitTopic(topic string) (kind, id string) {
	if i := strings.IndexByte(topic, ':'); i >= 0 {
		return topic[:i], topic[i+1:]
	}
	return topic, ""
}
