package cmd

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/skywork/pkg/jobs"
)

var submitCmd = &cobra.Command{
	Use:   "submit <manifest.yaml>",
	Short: "Submit a job described by a YAML manifest",
	Long: `Submit a job described by a YAML manifest to a running server.

A manifest names the job type and its parameters:

  type: package
  owner: alice
  email: alice@example.com
  send_notif: true
  package:
    sources:
      - /data/obs/2024/visit-001.fits
      - /data/obs/2024/visit-002.fits
    base_name: visit-bundle

  type: uws
  uws:
    service_url: https://tap.example.org/tap/async
    params:
      LANG: ADQL
      QUERY: SELECT TOP 10 * FROM ivoa.obscore`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVar(&apiServerURL, "server", "http://localhost:8080", "Base URL of the skywork server")
	submitCmd.Flags().Bool("wait", false, "Poll until the job reaches a terminal phase")
}

// jobManifest is the YAML shape accepted by `skywork submit`.
type jobManifest struct {
	Type              string            `yaml:"type"`
	Owner             string            `yaml:"owner"`
	Email             string            `yaml:"email"`
	SendNotif         bool              `yaml:"send_notif"`
	ExecutionDuration int               `yaml:"execution_duration"`
	RunID             string            `yaml:"run_id"`
	Params            map[string]string `yaml:"params"`

	Package struct {
		Sources  []string `yaml:"sources"`
		BaseName string   `yaml:"base_name"`
	} `yaml:"package"`

	UWS struct {
		ServiceURL string            `yaml:"service_url"`
		JobURL     string            `yaml:"job_url"`
		Params     map[string]string `yaml:"params"`
	} `yaml:"uws"`
}

func loadManifest(path string) (*jobManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m jobManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	switch m.Type {
	case "package":
		if len(m.Package.Sources) == 0 {
			return nil, fmt.Errorf("package manifest needs at least one source")
		}
	case "uws":
		if m.UWS.ServiceURL == "" && m.UWS.JobURL == "" {
			return nil, fmt.Errorf("uws manifest needs service_url or job_url")
		}
	default:
		return nil, fmt.Errorf("unknown job type %q (want package or uws)", m.Type)
	}
	return &m, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	wait, _ := cmd.Flags().GetBool("wait")

	m, err := loadManifest(args[0])
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to load manifest", err)
	}
	apiOwner = m.Owner

	var path string
	var body map[string]any
	switch m.Type {
	case "package":
		path = "/v1/jobs/package"
		body = map[string]any{
			"sources":   m.Package.Sources,
			"base_name": m.Package.BaseName,
		}
	case "uws":
		path = "/v1/jobs/uws"
		body = map[string]any{
			"service_url": m.UWS.ServiceURL,
			"job_url":     m.UWS.JobURL,
			"params":      m.UWS.Params,
		}
	}
	body["email"] = m.Email
	body["send_notif"] = m.SendNotif
	body["execution_duration"] = m.ExecutionDuration
	body["run_id"] = m.RunID
	if m.Params != nil {
		body["params"] = m.Params
	}

	var rec jobs.JobRecord
	if err := api(http.MethodPost, path, body, &rec); err != nil {
		return err
	}
	fmt.Printf("Submitted job %s (%s)\n", rec.JobID, rec.Phase)

	if !wait {
		return nil
	}
	return waitForJob(rec.JobID)
}

func waitForJob(jobID string) error {
	for {
		var rec jobs.JobRecord
		if err := api(http.MethodGet, "/v1/jobs/"+jobID, nil, &rec); err != nil {
			return err
		}
		fmt.Printf("  %s %d%% %s\n", rec.Phase, rec.Progress, rec.ProgressDesc)
		if rec.Phase.Terminal() {
			if rec.Phase != jobs.PhaseCompleted {
				if rec.Error != nil {
					return fmt.Errorf("job %s ended %s: %s", jobID, rec.Phase, rec.Error.Message)
				}
				return fmt.Errorf("job %s ended %s", jobID, rec.Phase)
			}
			for _, res := range rec.Results {
				fmt.Printf("  result %s: %s\n", res.ID, res.Href)
			}
			return nil
		}
		time.Sleep(2 * time.Second)
	}
}
