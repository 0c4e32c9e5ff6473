// Package packaging implements the heavy background job that bundles
// requested files into zip archives and publishes them as downloadable
// artifacts. Large requests split into multiple bundles so no single
// download becomes unmanageable.
package packaging

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/3leaps/skywork/pkg/artifact"
	"github.com/3leaps/skywork/pkg/jobs"
	"github.com/3leaps/skywork/pkg/workdir"
)

// Request describes one packaging job.
type Request struct {
	// Sources are the files to bundle.
	Sources []string

	// BaseName names the archives; defaults to "package".
	BaseName string

	// MaxBundleBytes splits the request into multiple archives once the
	// accumulated source size crosses it. Zero means one archive.
	MaxBundleBytes int64
}

// PackageJob implements jobs.Job and jobs.Aborter.
type PackageJob struct {
	req   Request
	work  *workdir.Store
	store artifact.Store

	aborted atomic.Bool
}

// New creates a packaging job. Archives are staged in the job's work
// directory and published through the artifact store.
func New(req Request, work *workdir.Store, store artifact.Store) *PackageJob {
	return &PackageJob{req: req, work: work, store: store}
}

// Type implements jobs.Job.
func (p *PackageJob) Type() jobs.Type { return jobs.TypePackage }

// OnAbort implements jobs.Aborter. The flag stops the job at the next
// file boundary; partially written archives stay in the work directory
// and are removed with it.
func (p *PackageJob) OnAbort() { p.aborted.Store(true) }

// Run implements jobs.Job.
func (p *PackageJob) Run(ctx context.Context, rt *jobs.Runtime) error {
	if len(p.req.Sources) == 0 {
		return fmt.Errorf("nothing to package")
	}
	dir, err := p.work.Allocate(rt.JobID())
	if err != nil {
		return err
	}

	parts, err := splitSources(p.req.Sources, p.req.MaxBundleBytes)
	if err != nil {
		return err
	}

	base := p.req.BaseName
	if base == "" {
		base = "package"
	}
	for i, part := range parts {
		if err := p.checkCancelled(ctx); err != nil {
			return err
		}
		name := base + ".zip"
		if len(parts) > 1 {
			name = fmt.Sprintf("%s-part-%d.zip", base, i+1)
		}
		zipPath := filepath.Join(dir, name)

		rt.SetProgress(i*100/len(parts), fmt.Sprintf("packaging %s", name))
		if err := p.writeArchive(ctx, zipPath, part); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}

		href, size, err := p.publish(ctx, rt.JobID()+"/"+name, zipPath)
		if err != nil {
			return fmt.Errorf("publish %s: %w", name, err)
		}
		rt.AddResult(jobs.Result{
			ID:       archiveID(i, len(parts)),
			Href:     href,
			MimeType: "application/zip",
			Size:     strconv.FormatInt(size, 10),
		})
		rt.SetProgress((i+1)*100/len(parts), fmt.Sprintf("packaged %d of %d", i+1, len(parts)))
	}
	return nil
}

func (p *PackageJob) checkCancelled(ctx context.Context) error {
	if p.aborted.Load() {
		return jobs.ErrAborted
	}
	return ctx.Err()
}

func (p *PackageJob) writeArchive(ctx context.Context, zipPath string, sources []string) error {
	f, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	for _, src := range sources {
		if err := p.checkCancelled(ctx); err != nil {
			_ = zw.Close()
			_ = f.Close()
			return err
		}
		if err := addFile(zw, src); err != nil {
			_ = zw.Close()
			_ = f.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (p *PackageJob) publish(ctx context.Context, key, zipPath string) (string, int64, error) {
	f, err := os.Open(zipPath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", 0, err
	}
	href, err := p.store.Put(ctx, key, f, info.Size(), "application/zip")
	if err != nil {
		return "", 0, err
	}
	return href, info.Size(), nil
}

func addFile(zw *zip.Writer, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	w, err := zw.Create(filepath.Base(src))
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// archiveID names results so multi-part bundles sort naturally.
func archiveID(i, total int) string {
	if total == 1 {
		return "package"
	}
	return fmt.Sprintf("part-%d", i+1)
}

// splitSources groups the sources into bundles no larger than maxBytes
// each. A single file larger than the limit still gets its own bundle.
func splitSources(sources []string, maxBytes int64) ([][]string, error) {
	if maxBytes <= 0 {
		return [][]string{sources}, nil
	}
	var (
		parts   [][]string
		current []string
		size    int64
	)
	for _, src := range sources {
		info, err := os.Stat(src)
		if err != nil {
			return nil, fmt.Errorf("stat source %s: %w", src, err)
		}
		if len(current) > 0 && size+info.Size() > maxBytes {
			parts = append(parts, current)
			current = nil
			size = 0
		}
		current = append(current, src)
		size += info.Size()
	}
	if len(current) > 0 {
		parts = append(parts, current)
	}
	return parts, nil
}
