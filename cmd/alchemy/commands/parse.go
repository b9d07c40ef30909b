package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/you-humble/alchemy/cmd/alchemy/ui"
	"github.com/you-humble/alchemy/internal/client"
	"github.com/you-humble/alchemy/internal/domain"

	"github.com/spf13/cobra"
)

var (
	parseOpts    []string
	parseAsync   bool
	parseJSON    bool
	parseOutFile string
)

var parseCmd = &cobra.Command{
	Use:   "parse <kind> <file-or-url>...",
	Short: "Parse one or more inputs",
	Long: `Parse inputs of one kind (document, image, audio, video, web).
A single input streams its progress; several inputs are sent as one batch.`,
	Example: `  alchemy parse document report.pdf --opt chunk_size=256
  alchemy parse web https://example.com --opt include_links=true --json
  alchemy parse image a.png b.png --opt task=caption`,
	Args: cobra.MinimumNArgs(2),
	RunE: runParse,
}

func init() {
	parseCmd.Flags().StringArrayVarP(&parseOpts, "opt", "o", nil, "option as key=value, repeatable")
	parseCmd.Flags().BoolVar(&parseAsync, "async", false, "submit and print job ids without waiting")
	parseCmd.Flags().BoolVar(&parseJSON, "json", false, "print the full response as JSON")
	parseCmd.Flags().StringVar(&parseOutFile, "out", "", "write the markdown to this file")
	rootCmd.AddCommand(parseCmd)
}

func runParse(cmd *cobra.Command, args []string) error {
	kind, err := domain.ParseKind(args[0])
	if err != nil {
		return err
	}
	opts, err := parseOptions(parseOpts)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	c := client.New(serverURL, nil)
	inputs := args[1:]

	if len(inputs) > 1 {
		return runBatch(ctx, c, kind, inputs, opts)
	}

	if parseAsync {
		var job domain.JobResponse
		if kind.HasFile() {
			job, err = c.ParseFile(ctx, kind, inputs[0], opts, domain.ModeAsync)
		} else {
			job, err = c.ParseURL(ctx, inputs[0], opts, domain.ModeAsync)
		}
		if err != nil {
			return err
		}
		ui.Success("job %s submitted", job.JobID)
		return nil
	}

	progress := ui.NewProgress("submitting " + inputs[0])
	relay := func(ev client.Event) error {
		if ev.Terminal() {
			return nil
		}
		_, msg, err := ev.Progress()
		if err == nil {
			progress.Update(msg)
		}
		return nil
	}

	var job domain.JobResponse
	if kind.HasFile() {
		job, err = c.ParseFileStream(ctx, kind, inputs[0], opts, relay)
	} else {
		job, err = c.ParseURLStream(ctx, inputs[0], opts, relay)
	}
	progress.Stop()
	if err != nil {
		if job.JobID != "" {
			ui.Error("job %s %s", job.JobID, job.Status)
		}
		return err
	}

	return printJob(job)
}

func runBatch(ctx context.Context, c *client.Client, kind domain.Kind, inputs []string, opts domain.Options) error {
	mode := domain.ModeBlocking
	if parseAsync {
		mode = domain.ModeAsync
	}

	progress := ui.NewProgress(fmt.Sprintf("parsing %d inputs", len(inputs)))
	batch, err := c.ParseBatch(ctx, kind, inputs, opts, mode)
	progress.Stop()
	if err != nil {
		return err
	}

	if parseJSON {
		return writeJSON(batch)
	}

	failed := 0
	for _, e := range batch.Entries {
		switch {
		case e.Error != nil:
			failed++
			ui.Error("%s: %s", inputs[e.Position], e.Error.Message)
		case e.Status == domain.StateDone:
			ui.Success("%s: %d chunks", inputs[e.Position], len(e.Result.Chunks))
		default:
			ui.Info("%s: job %s %s", inputs[e.Position], e.JobID, e.Status)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d inputs failed", failed, len(batch.Entries))
	}
	return nil
}

func printJob(job domain.JobResponse) error {
	if parseJSON {
		return writeJSON(job)
	}
	if job.Result == nil {
		ui.Warning("job %s finished without a result", job.JobID)
		return nil
	}

	if parseOutFile != "" {
		if err := os.WriteFile(parseOutFile, []byte(job.Result.Markdown), 0o644); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		ui.Success("wrote %s (%d chunks)", parseOutFile, len(job.Result.Chunks))
		return nil
	}

	fmt.Println(job.Result.Markdown)
	return nil
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseOptions reads key=value pairs. Values that are valid JSON keep their
// type, anything else is a string.
func parseOptions(pairs []string) (domain.Options, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	opts := make(domain.Options, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("option %q is not key=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		opts[key] = v
	}
	return opts, nil
}
