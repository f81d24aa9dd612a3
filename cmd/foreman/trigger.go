package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/foreman/internal/natsbus"
	"github.com/mtzanidakis/foreman/internal/scheduler"
)

var (
	triggerURL     string
	triggerTimeout time.Duration
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <workflow>",
	Short: "Ask a running foreman to run a configured workflow",
	Long: `Send a run request for a configured workflow over NATS to a running
"foreman serve" and wait for its summary.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := triggerURL
		if url == "" {
			url = os.Getenv("NATS_URL")
		}
		if url == "" {
			url = "nats://localhost:4222"
		}

		reply, err := sendTrigger(url, args[0], triggerTimeout)
		if err != nil {
			return err
		}
		if reply.Summary != nil {
			printSummary(cmd.OutOrStdout(), *reply.Summary)
		}
		if reply.Error != "" {
			return fmt.Errorf("%s", reply.Error)
		}
		return nil
	},
}

func init() {
	triggerCmd.Flags().StringVar(&triggerURL, "nats-url", "", "NATS server URL (default $NATS_URL or nats://localhost:4222)")
	triggerCmd.Flags().DurationVar(&triggerTimeout, "timeout", 10*time.Minute, "how long to wait for the workflow")
}

func sendTrigger(url, name string, timeout time.Duration) (*scheduler.TriggerReply, error) {
	client, err := natsbus.NewClientFromURL(url, "trigger")
	if err != nil {
		return nil, err
	}
	defer client.Close()

	var reply scheduler.TriggerReply
	if err := client.RequestWorkflowRun(name, timeout, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
