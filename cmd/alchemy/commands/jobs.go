package commands

import (
	"github.com/you-humble/alchemy/cmd/alchemy/ui"
	"github.com/you-humble/alchemy/internal/client"
	"github.com/you-humble/alchemy/internal/domain"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the state of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := client.New(serverURL, nil).Status(cmd.Context(), args[0])
		if err != nil && job.JobID == "" {
			return err
		}
		if parseJSON {
			return writeJSON(job)
		}
		showJob(job)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := client.New(serverURL, nil).Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if job.Status == domain.StateCancelled {
			ui.Success("job %s cancelled", job.JobID)
			return nil
		}
		ui.Warning("job %s already %s", job.JobID, job.Status)
		return nil
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait <job-id>",
	Short: "Follow a job's progress until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		progress := ui.NewProgress("waiting for " + args[0])
		job, err := client.New(serverURL, nil).Events(cmd.Context(), args[0], func(ev client.Event) error {
			if !ev.Terminal() {
				if _, msg, err := ev.Progress(); err == nil {
					progress.Update(msg)
				}
			}
			return nil
		})
		progress.Stop()
		if err != nil {
			return err
		}
		return printJob(job)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show queue and worker occupancy of the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := client.New(serverURL, nil).Health(cmd.Context())
		if err != nil {
			return err
		}
		ui.Success("%s is %s", serverURL, h.Status)
		ui.Field("queue", h.QueueSize)
		ui.Field("capacity", h.QueueCapacity)
		ui.Field("workers", h.Workers)
		ui.Field("busy", h.Busy)
		ui.Field("kinds", h.Kinds)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&parseJSON, "json", false, "print the envelope as JSON")
	waitCmd.Flags().BoolVar(&parseJSON, "json", false, "print the full response as JSON")
	waitCmd.Flags().StringVar(&parseOutFile, "out", "", "write the markdown to this file")
	rootCmd.AddCommand(statusCmd, cancelCmd, waitCmd, healthCmd)
}

func showJob(job domain.JobResponse) {
	ui.Field("job", job.JobID)
	ui.Field("status", job.Status)
	ui.Field("progress", job.Progress)
	if job.Error != nil {
		ui.Field("error", job.Error.Error())
	}
	if job.Result != nil {
		ui.Field("chunks", len(job.Result.Chunks))
		ui.Field("markdown", len(job.Result.Markdown))
	}
}
