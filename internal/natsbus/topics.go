package natsbus

import (
	"fmt"
	"strings"
)

// Event topics. Every coordinator event is published under events.>.

func TopicEventsTask(taskID string) string {
	return fmt.Sprintf("events.task.%s", taskID)
}

func TopicEventsWorkflow(workflowID string) string {
	return fmt.Sprintf("events.workflow.%s", workflowID)
}

func TopicEventsAgent(agentID string) string {
	return fmt.Sprintf("events.agent.%s", agentID)
}

// TopicWorkflowRun receives requests to run a configured workflow by name.
func TopicWorkflowRun(name string) string {
	return fmt.Sprintf("foreman.workflow.%s.run", name)
}

const (
	TopicEventsAll       = "events.>"
	TopicEventsTasks     = "events.task.*"
	TopicEventsWorkflows = "events.workflow.*"
	TopicWorkflowRunAll  = "foreman.workflow.*.run"
)

func TopicEventsSchedule(name string) string {
	return fmt.Sprintf("events.schedule.%s", name)
}

// WorkflowFromRunTopic extracts the workflow name from a run request
// subject.
func WorkflowFromRunTopic(topic string) (string, bool) {
	name, ok := strings.CutPrefix(topic, "foreman.workflow.")
	if !ok {
		return "", false
	}
	name, ok = strings.CutSuffix(name, ".run")
	if !ok || name == "" || strings.Contains(name, ".") {
		return "", false
	}
	return name, true
}
