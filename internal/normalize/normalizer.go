package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mozilla/autophoned/internal/model"
	"github.com/mozilla/autophoned/internal/resilience"
)

// Config holds the gates the normalizer applies: the configured trees,
// platforms, and build types a build or job-action must match to be
// accepted.
type Config struct {
	Trees      []string
	Platforms  []string // sorted longest-first by New
	BuildTypes []string
}

// New returns a Config with Platforms sorted descending by length, so
// matching never shadows a longer platform name behind a shorter prefix
// (e.g. "android-api-16-debug" is tried before "android-api-16").
func New(trees, platforms, buildTypes []string) Config {
	sorted := append([]string(nil), platforms...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	return Config{Trees: trees, Platforms: sorted, BuildTypes: buildTypes}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Normalizer turns raw Pulse payloads into canonical BuildEvent /
// JobActionEvent records, or drops them per the gates in Config.
type Normalizer struct {
	cfg         Config
	taskcluster *TaskclusterClient
	treeherder  *TreeherderClient
	httpClient  *http.Client
	retry       resilience.RetryConfig
}

// NewNormalizer constructs a Normalizer.
func NewNormalizer(cfg Config, tc *TaskclusterClient, th *TreeherderClient, httpClient *http.Client) *Normalizer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Normalizer{
		cfg:         cfg,
		taskcluster: tc,
		treeherder:  th,
		httpClient:  httpClient,
		retry:       resilience.DefaultRetryConfig(),
	}
}

// HandleTaskCompleted normalizes a task-completion payload into a
// BuildEvent, or returns ok=false if the event is gated out or malformed.
func (n *Normalizer) HandleTaskCompleted(ctx context.Context, payload map[string]any) (*model.BuildEvent, bool, error) {
	taskID, _ := payload["taskId"].(string)
	runID, _ := payload["runId"].(string)
	if taskID == "" {
		return nil, false, nil
	}
	if runID == "" {
		runID = "0"
	}

	task, err := n.taskcluster.GetTask(ctx, taskID)
	if err != nil {
		return nil, false, fmt.Errorf("fetching task %s: %w", taskID, err)
	}

	if branch, ok := task.Payload.Env["MH_BRANCH"]; ok && branch != "" && !contains(n.cfg.Trees, branch) {
		log.Debug().Str("taskId", taskID).Str("branch", branch).Msg("dropping event: branch not configured")
		return nil, false, nil
	}

	builderType := "taskcluster"
	if task.WorkerType == "buildbot" {
		builderType = "buildbot"
	}

	event := &model.BuildEvent{
		BuilderType: builderType,
		AppData:     map[string]string{},
		Repo:        task.Extra.BuildProps.Repository,
		Revision:    task.Extra.BuildProps.Revision,
		Platform:    task.Extra.Treeherder.Machine.Platform,
		BuildType:   task.Extra.BuildProps.BuildType,
		BuildID:     task.Extra.BuildProps.BuildID,
		Tier:        task.Extra.Treeherder.Tier,
	}

	sawTargetAPK := false
	it := n.taskcluster.Artifacts(ctx, taskID, runID)
	for {
		artifact, ok, err := it.Next()
		if err != nil {
			return nil, false, fmt.Errorf("listing artifacts for %s: %w", taskID, err)
		}
		if !ok {
			break
		}

		name := strings.TrimPrefix(artifact.Name, "public/build/")
		artifactURL := n.taskcluster.ArtifactURL(taskID, runID, artifact.Name)

		switch name {
		case "target.apk":
			sawTargetAPK = true
			event.BuildURL = artifactURL
			event.AppData["org.mozilla.fennec"] = artifactURL
		case "geckoview_example.apk":
			event.AppData["org.mozilla.geckoview_example"] = artifactURL
		}
	}

	if !sawTargetAPK {
		return nil, false, nil
	}

	if event.BuildID != "" {
		if t, err := ParseBuildID(event.BuildID); err == nil {
			event.BuildTime = t
		}
	}

	if builderType != "buildbot" && event.Tier != 1 {
		log.Debug().Str("taskId", taskID).Int("tier", event.Tier).Msg("dropping event: wrong tier")
		return nil, false, nil
	}
	if !contains(n.cfg.Trees, event.Repo) {
		return nil, false, nil
	}
	if !contains(n.cfg.Platforms, event.Platform) {
		return nil, false, nil
	}
	if !contains(n.cfg.BuildTypes, event.BuildType) {
		return nil, false, nil
	}
	if event.BuildID == "" || event.BuildType == "" {
		return nil, false, nil
	}

	event.Comments = n.fetchComments(ctx, event.Revision, event.Repo)

	if event.Repo == "try" && !strings.Contains(event.Comments, "autophone") {
		log.Debug().Str("taskId", taskID).Msg("dropping try push without autophone opt-in")
		return nil, false, nil
	}

	return event, true, nil
}

// fetchComments fetches the push comment for revision by converting the
// changeset URL's /rev/ to /json-rev/. Failure yields "unknown" rather
// than an error, since comments are enrichment, not a gate (except for
// the try opt-in check, which then simply never matches).
func (n *Normalizer) fetchComments(ctx context.Context, revision, repo string) string {
	if revision == "" || repo == "" {
		return "unknown"
	}
	revURL := fmt.Sprintf("https://hg.mozilla.org/%s/rev/%s", repo, revision)
	jsonURL := strings.Replace(revURL, "/rev/", "/json-rev/", 1)

	var result struct {
		Desc string `json:"desc"`
	}
	err := resilience.Retry(ctx, n.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, jsonURL, nil)
		if err != nil {
			return resilience.Permanent(err)
		}
		resp, err := n.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("GET %s: status %d", jsonURL, resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&result)
	})
	if err != nil {
		log.Debug().Err(err).Str("url", jsonURL).Msg("failed to fetch push comments")
		return "unknown"
	}
	return result.Desc
}

// HandleJobAction normalizes a Treeherder job-action payload into a
// JobActionEvent, or returns ok=false if gated out.
func (n *Normalizer) HandleJobAction(ctx context.Context, payload map[string]any) (*model.JobActionEvent, bool, error) {
	if !n.treeherder.Enabled() {
		return nil, false, nil
	}

	project, _ := payload["project"].(string)
	action, _ := payload["action"].(string)
	jobIDRaw, hasJobID := payload["job_id"]
	if project == "" || action == "" || !hasJobID {
		return nil, false, nil
	}
	jobID, err := toInt64(jobIDRaw)
	if err != nil {
		return nil, false, nil
	}

	if !contains(n.cfg.Trees, project) {
		return nil, false, nil
	}

	job, err := n.treeherder.GetJob(ctx, project, jobID)
	if err != nil {
		return nil, false, fmt.Errorf("fetching job %s/%d: %w", project, jobID, err)
	}

	if !contains(n.cfg.BuildTypes, job.PlatformOption) {
		return nil, false, nil
	}

	details, err := n.treeherder.GetPrivateBuildDetails(ctx, project, jobID)
	if err != nil {
		log.Debug().Err(err).Str("project", project).Int64("jobId", jobID).Msg("dropping job action: incomplete private build details")
		return nil, false, nil
	}

	detectedPlatform := job.Platform
	for _, p := range n.cfg.Platforms {
		if strings.Contains(details.BuildURL, p) {
			detectedPlatform = p
			break
		}
	}

	event := &model.JobActionEvent{
		Project:          project,
		Action:           action,
		JobID:            jobID,
		Platform:         job.Platform,
		PlatformOption:   job.PlatformOption,
		DetectedPlatform: detectedPlatform,
		BuildURL:         details.BuildURL,
		ConfigFile:       details.ConfigFile,
		Chunk:            details.Chunk,
		BuilderType:      details.BuilderType,
	}
	return event, true, nil
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case float64:
		return int64(t), nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported job_id type %T", v)
	}
}

// ParseBuildID parses application.ini's BuildID (YYYYMMDDHHMMSS, local
// time) into truncated unix seconds.
func ParseBuildID(buildID string) (int64, error) {
	t, err := time.ParseInLocation("20060102150405", buildID, time.Local)
	if err != nil {
		return 0, fmt.Errorf("parsing BuildID %q: %w", buildID, err)
	}
	return t.Unix(), nil
}
