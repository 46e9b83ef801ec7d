// Package dispatcher resolves a build (from a normalized event or a
// bare URL) into a Job and fans it out to every registered worker.
package dispatcher

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mozilla/autophoned/internal/buildcache"
	"github.com/mozilla/autophoned/internal/model"
	"github.com/mozilla/autophoned/internal/normalize"
	"github.com/mozilla/autophoned/internal/registry"
)

// repoProcNames maps a build's source repository to the Android package
// name autophone should launch and instrument. Repos not listed here
// yield an empty process name.
var repoProcNames = map[string]string{
	"mozilla-central":             "org.mozilla.fennec",
	"integration/mozilla-inbound": "org.mozilla.fennec",
	"releases/mozilla-aurora":     "org.mozilla.fennec_aurora",
	"releases/mozilla-beta":       "org.mozilla.firefox",
}

// ProcName resolves a source repository string to its Android process
// name, matching on a trailing path segment so a full repository URL
// (e.g. "https://hg.mozilla.org/releases/mozilla-beta") still matches.
func ProcName(sourceRepository string) string {
	for repo, proc := range repoProcNames {
		if strings.HasSuffix(sourceRepository, repo) {
			return proc
		}
	}
	return ""
}

// Dispatcher resolves builds via the Build Cache and fans the resulting
// Job out to every worker in the registry.
type Dispatcher struct {
	cache     *buildcache.Cache
	registry  *registry.Registry
	testPaths []string
}

// New constructs a Dispatcher.
func New(cache *buildcache.Cache, reg *registry.Registry) *Dispatcher {
	return &Dispatcher{cache: cache, registry: reg}
}

// SetTestPaths records the config-file paths resolved from the test
// manifest at startup, carried onto every Job's TestPaths field from
// then on.
func (d *Dispatcher) SetTestPaths(paths []string) {
	d.testPaths = paths
}

// OnBuildEvent resolves event into a Job and fans it out to every
// registered worker.
func (d *Dispatcher) OnBuildEvent(ctx context.Context, event *model.BuildEvent) error {
	if event.BuildURL == "" {
		return fmt.Errorf("build event has no build url")
	}

	resolved, err := d.resolveBuild(ctx, event.BuildURL)
	if err != nil {
		return err
	}

	job := model.Job{
		BuildURL:    event.BuildURL,
		BuildID:     resolved.buildID,
		BuildTime:   resolved.buildTime,
		Revision:    resolved.revision,
		Version:     resolved.version,
		Procname:    resolved.procname,
		BuildType:   event.BuildType,
		BuilderType: event.BuilderType,
		TestPaths:   d.testPaths,
	}
	d.fanOut(job)
	return nil
}

// TriggerFromURL resolves a bare build URL (no prior normalization) into
// a Job and fans it out, for operator-triggered `triggerjobs`.
func (d *Dispatcher) TriggerFromURL(ctx context.Context, buildURL string) error {
	resolved, err := d.resolveBuild(ctx, buildURL)
	if err != nil {
		return err
	}

	job := model.Job{
		BuildURL:  buildURL,
		BuildID:   resolved.buildID,
		BuildTime: resolved.buildTime,
		Revision:  resolved.revision,
		Version:   resolved.version,
		Procname:  resolved.procname,
		TestPaths: d.testPaths,
	}
	d.fanOut(job)
	return nil
}

// OnJobAction resolves a Treeherder job-action event's build URL into a
// Job, carrying forward its config file and chunk, and fans it out.
func (d *Dispatcher) OnJobAction(ctx context.Context, event *model.JobActionEvent) error {
	if event.BuildURL == "" {
		return fmt.Errorf("job action event has no build url")
	}

	resolved, err := d.resolveBuild(ctx, event.BuildURL)
	if err != nil {
		return err
	}

	job := model.Job{
		BuildURL:    event.BuildURL,
		BuildID:     resolved.buildID,
		BuildTime:   resolved.buildTime,
		Revision:    resolved.revision,
		Version:     resolved.version,
		Procname:    resolved.procname,
		BuilderType: event.BuilderType,
		ConfigFile:  event.ConfigFile,
		Chunk:       event.Chunk,
		TestPaths:   d.testPaths,
	}
	d.fanOut(job)
	return nil
}

// fanOut hands job to every registered worker that is eligible to run
// it. A worker disabled by the crash policy receives no further jobs
// until an operator re-enables it. The send blocks rather than
// dropping on a full queue, since a partial fan-out would leave some
// workers silently behind on a build the others ran.
func (d *Dispatcher) fanOut(job model.Job) {
	for _, w := range d.registry.List() {
		if w.State == model.WorkerStateDisabled {
			log.Debug().Str("phoneid", w.Config.PhoneID).Msg("skipping job: worker is disabled")
			continue
		}
		w.Jobs <- job
		d.registry.SetCurrentBuild(w.Config.PhoneID, job.BuildTime)
	}
}

type resolvedBuild struct {
	buildID   string
	buildTime int64
	revision  string
	version   string
	procname  string
}

// resolveBuild fetches the apk via the Build Cache, verifies its zip
// integrity (forcing one redownload on corruption), and reads its
// application.ini for build metadata.
func (d *Dispatcher) resolveBuild(ctx context.Context, buildURL string) (*resolvedBuild, error) {
	path, err := d.cache.Get(ctx, buildURL, false)
	if err != nil {
		return nil, fmt.Errorf("fetching build: %w", err)
	}

	ini, err := readApplicationINI(path)
	if err != nil {
		log.Warn().Err(err).Str("url", buildURL).Msg("build apk failed integrity check, forcing redownload")
		path, err = d.cache.Get(ctx, buildURL, true)
		if err != nil {
			return nil, fmt.Errorf("re-fetching build: %w", err)
		}
		ini, err = readApplicationINI(path)
		if err != nil {
			return nil, fmt.Errorf("build apk still corrupt after forced redownload: %w", err)
		}
	}

	var buildTime int64
	if ini.buildID != "" {
		if t, err := normalize.ParseBuildID(ini.buildID); err == nil {
			buildTime = t
		}
	}

	return &resolvedBuild{
		buildID:   ini.buildID,
		buildTime: buildTime,
		revision:  ini.sourceStamp,
		version:   ini.version,
		procname:  ProcName(ini.sourceRepository),
	}, nil
}

type applicationINI struct {
	sourceStamp      string
	version          string
	sourceRepository string
	buildID          string
}

// readApplicationINI opens path as a zip, verifies it can be read to its
// central directory (the integrity check), and extracts the four App.*
// keys from application.ini.
func readApplicationINI(path string) (*applicationINI, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening build apk as zip: %w", err)
	}
	defer r.Close()

	var target *zip.File
	for _, f := range r.File {
		if f.Name == "application.ini" {
			target = f
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("application.ini not found in build apk")
	}

	rc, err := target.Open()
	if err != nil {
		return nil, fmt.Errorf("opening application.ini: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading application.ini: %w", err)
	}

	return parseApplicationINI(data), nil
}

// parseApplicationINI reads the flat "key=value" lines of the [App]
// section. Lines outside [App] and blank/comment lines are skipped;
// unknown keys are ignored.
func parseApplicationINI(data []byte) *applicationINI {
	ini := &applicationINI{}
	section := ""
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			continue
		}
		if section != "App" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "SourceStamp":
			ini.sourceStamp = strings.TrimSpace(value)
		case "Version":
			ini.version = strings.TrimSpace(value)
		case "SourceRepository":
			ini.sourceRepository = strings.TrimSpace(value)
		case "BuildID":
			ini.buildID = strings.TrimSpace(value)
		}
	}
	return ini
}
