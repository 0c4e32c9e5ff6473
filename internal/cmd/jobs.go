package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	apperrors "github.com/3leaps/skywork/internal/errors"
	"github.com/3leaps/skywork/internal/server"
	"github.com/3leaps/skywork/pkg/jobs"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and control jobs on a running server",
	Long: `Inspect and control jobs on a running skywork server.

This command group is agent-friendly: stable job ids, predictable
endpoints, and optional JSON output for machine parsing.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your monitored jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsAbortCmd = &cobra.Command{
	Use:   "abort <job_id>",
	Short: "Abort a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsAbort,
}

var jobsMonitorCmd = &cobra.Command{
	Use:   "monitor <job_id>",
	Short: "Toggle monitoring for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsMonitor,
}

var jobsEmailCmd = &cobra.Command{
	Use:   "email <job_id> <address>",
	Short: "Send the job's notification email to an address",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsEmail,
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-type job counts",
	RunE:  runJobsStats,
}

var (
	apiServerURL string
	apiOwner     string
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsAbortCmd)
	jobsCmd.AddCommand(jobsMonitorCmd)
	jobsCmd.AddCommand(jobsEmailCmd)
	jobsCmd.AddCommand(jobsStatsCmd)

	jobsCmd.PersistentFlags().StringVar(&apiServerURL, "server", "http://localhost:8080", "Base URL of the skywork server")
	jobsCmd.PersistentFlags().StringVar(&apiOwner, "owner", "", "Owner identity to act as")

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsAbortCmd.Flags().String("reason", "Aborted by user", "Abort reason recorded on the job")
	jobsMonitorCmd.Flags().Bool("off", false, "Disable monitoring instead of enabling it")
}

// api performs one request against the running server and decodes the
// response into out.
func api(method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, strings.TrimRight(apiServerURL, "/")+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiOwner != "" {
		req.Header.Set(server.HeaderOwner, apiOwner)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr apperrors.HTTPErrorResponse
		if jsonErr := json.NewDecoder(resp.Body).Decode(&apiErr); jsonErr == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("%s: %s", apiErr.Error.Code, apiErr.Error.Message)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	var listed []jobs.JobRecord
	if err := api(http.MethodGet, "/v1/jobs", nil, &listed); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(listed)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tTYPE\tPHASE\tPROGRESS\tCREATED\tRESULTS")
	for _, rec := range listed {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%d\n",
			rec.JobID, rec.Type, rec.Phase, rec.Progress,
			rec.CreationTime.Format(time.RFC3339), len(rec.Results))
	}
	return w.Flush()
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	var rec jobs.JobRecord
	if err := api(http.MethodGet, "/v1/jobs/"+args[0], nil, &rec); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(rec)
	}

	fmt.Printf("Job:       %s\n", rec.JobID)
	fmt.Printf("Type:      %s\n", rec.Type)
	fmt.Printf("Phase:     %s\n", rec.Phase)
	fmt.Printf("Progress:  %d%% %s\n", rec.Progress, rec.ProgressDesc)
	fmt.Printf("Created:   %s\n", rec.CreationTime.Format(time.RFC3339))
	if rec.StartTime != nil {
		fmt.Printf("Started:   %s\n", rec.StartTime.Format(time.RFC3339))
	}
	if rec.EndTime != nil {
		fmt.Printf("Ended:     %s\n", rec.EndTime.Format(time.RFC3339))
	}
	if rec.Error != nil {
		fmt.Printf("Error:     [%d] %s\n", rec.Error.Code, rec.Error.Message)
	}
	for _, res := range rec.Results {
		fmt.Printf("Result:    %s %s\n", res.ID, res.Href)
	}
	return nil
}

func runJobsAbort(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")

	var rec jobs.JobRecord
	if err := api(http.MethodPost, "/v1/jobs/"+args[0]+"/abort",
		map[string]string{"reason": reason}, &rec); err != nil {
		return err
	}
	fmt.Printf("Job %s is now %s\n", rec.JobID, rec.Phase)
	return nil
}

func runJobsMonitor(cmd *cobra.Command, args []string) error {
	off, _ := cmd.Flags().GetBool("off")

	var rec jobs.JobRecord
	if err := api(http.MethodPost, "/v1/jobs/"+args[0]+"/monitored",
		map[string]bool{"monitored": !off}, &rec); err != nil {
		return err
	}
	fmt.Printf("Job %s monitored=%t\n", rec.JobID, rec.Monitored)
	return nil
}

func runJobsEmail(cmd *cobra.Command, args []string) error {
	if err := api(http.MethodPost, "/v1/jobs/"+args[0]+"/email",
		map[string]string{"address": args[1]}, nil); err != nil {
		return err
	}
	fmt.Printf("Notification for job %s sent to %s\n", args[0], args[1])
	return nil
}

func runJobsStats(cmd *cobra.Command, _ []string) error {
	var stats []jobs.Stats
	if err := api(http.MethodGet, "/v1/jobs/stats", nil, &stats); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tTOTAL\tACTIVE\tERRORS")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", s.Type, s.Total, s.Active, s.Errors)
	}
	return w.Flush()
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
