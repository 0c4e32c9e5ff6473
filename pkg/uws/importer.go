package uws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/skywork/pkg/jobs"
)

// Service describes one remote UWS job-list endpoint to import history
// from. ID tags imported records with provenance; when absent it defaults
// to the service host.
type Service struct {
	URL  string
	ID   string
	Type string
}

// ParseServices parses pipe-delimited service descriptors of the form
// "url|serviceId|serviceType", with the last two fields optional.
// Malformed entries (no URL) are dropped.
func ParseServices(specs []string) []Service {
	out := make([]Service, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, "|")
		svc := Service{URL: strings.TrimSpace(parts[0])}
		if svc.URL == "" {
			continue
		}
		if len(parts) > 1 {
			svc.ID = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			svc.Type = strings.TrimSpace(parts[2])
		}
		if svc.ID == "" {
			if u, err := url.Parse(svc.URL); err == nil && u.Host != "" {
				svc.ID = u.Host
			} else {
				svc.ID = svc.URL
			}
		}
		if svc.Type == "" {
			svc.Type = "UWS"
		}
		out = append(out, svc)
	}
	return out
}

// ImporterConfig configures history import.
type ImporterConfig struct {
	// Services is the list of pipe-delimited service descriptors.
	Services []string

	// IgnoreRunIDs holds glob patterns; remote jobs whose runId matches
	// any pattern are internal bookkeeping and are skipped.
	IgnoreRunIDs []string
}

// Importer merges job histories from remote UWS services into the local
// registry so one listing covers local and remote work.
type Importer struct {
	reg      *jobs.Registry
	client   *Client
	idgen    *jobs.IDGenerator
	services []Service
	ignore   []string
	log      *zap.Logger
}

// NewImporter builds an importer over the given registry and client.
func NewImporter(reg *jobs.Registry, client *Client, idgen *jobs.IDGenerator, cfg ImporterConfig, log *zap.Logger) *Importer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Importer{
		reg:      reg,
		client:   client,
		idgen:    idgen,
		services: ParseServices(cfg.Services),
		ignore:   cfg.IgnoreRunIDs,
		log:      log,
	}
}

// Enabled reports whether any service is configured.
func (im *Importer) Enabled() bool { return len(im.services) > 0 }

// Sync pulls every configured service and upserts the remote jobs into
// the registry under the given owner. A failing service is logged and
// skipped; the other services still import.
func (im *Importer) Sync(ctx context.Context, owner string) {
	for _, svc := range im.services {
		if err := im.syncService(ctx, svc, owner); err != nil {
			im.log.Error("uws history import failed",
				zap.String("service", svc.ID),
				zap.String("url", svc.URL),
				zap.Error(err))
		}
	}
}

func (im *Importer) syncService(ctx context.Context, svc Service, owner string) error {
	refs, err := im.client.ListJobs(ctx, svc.URL)
	if err != nil {
		return err
	}
	imported := 0
	for _, ref := range refs {
		jobURL := ref.Href
		if jobURL == "" {
			jobURL = jobEndpoint(svc.URL, ref.ID)
		}
		rec, err := im.client.GetJob(ctx, jobURL)
		if err != nil {
			// One unreadable job must not abort the whole sweep.
			im.log.Warn("skipping unreadable uws job",
				zap.String("service", svc.ID),
				zap.String("job_url", jobURL),
				zap.Error(err))
			continue
		}
		if !im.importable(rec) {
			continue
		}
		remoteID := rec.JobID
		rec.Owner = owner
		rec.Type = jobs.TypeRemoteProxy
		rec.Monitored = true
		rec.ServiceID = svc.ID
		rec.ServiceType = svc.Type
		im.reg.UpsertImported(importKey(svc.ID, remoteID), rec, im.idgen.Next)
		imported++
	}
	im.log.Debug("uws history imported",
		zap.String("service", svc.ID),
		zap.Int("listed", len(refs)),
		zap.Int("imported", imported))
	return nil
}

// importable filters out entries with nothing to show: jobs whose runId
// is on the ignore list, and jobs with no fetchable result.
func (im *Importer) importable(rec jobs.JobRecord) bool {
	for _, pattern := range im.ignore {
		if ok, err := doublestar.Match(pattern, rec.RunID); err == nil && ok {
			return false
		}
	}
	for _, res := range rec.Results {
		if res.Href != "" {
			return true
		}
	}
	return false
}

func importKey(serviceID, remoteID string) string {
	return fmt.Sprintf("%s::%s", serviceID, remoteID)
}
