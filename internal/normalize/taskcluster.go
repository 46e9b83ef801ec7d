// Package normalize turns raw Pulse task-completion and Treeherder
// job-action payloads into the canonical BuildEvent/JobActionEvent
// records the rest of the controller operates on.
package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mozilla/autophoned/internal/resilience"
)

// TaskclusterClient fetches task definitions and artifact listings over
// plain HTTP, wrapped in retry and circuit-breaker protection so a flaky
// or down Taskcluster does not wedge the event loop.
type TaskclusterClient struct {
	baseURL    string
	httpClient *http.Client
	retry      resilience.RetryConfig
	breaker    *resilience.CircuitManager
}

// NewTaskclusterClient constructs a client against baseURL (e.g.
// "https://firefox-ci-tc.services.mozilla.com/api/queue/v1").
func NewTaskclusterClient(baseURL string, httpClient *http.Client, breaker *resilience.CircuitManager) *TaskclusterClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &TaskclusterClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		retry:      resilience.DefaultRetryConfig(),
		breaker:    breaker,
	}
}

// TaskDefinition is the subset of a Taskcluster task definition the
// normalizer needs.
type TaskDefinition struct {
	WorkerType string            `json:"workerType"`
	Payload    TaskPayload       `json:"payload"`
	Extra      TaskExtra         `json:"extra"`
	Metadata   map[string]string `json:"metadata"`
}

// TaskPayload is the subset of the task payload the normalizer reads.
type TaskPayload struct {
	Env map[string]string `json:"env"`
}

// TaskExtra mirrors Taskcluster's conventional "extra.treeherder" and
// "extra.build_props" blocks, which is where tier, platform, revision,
// and build metadata actually live on a real task definition (the task
// payload itself only carries environment variables and command lines).
type TaskExtra struct {
	Treeherder TreeherderExtra `json:"treeherder"`
	BuildProps BuildProps      `json:"build_props"`
}

// TreeherderExtra is Taskcluster's "extra.treeherder" block.
type TreeherderExtra struct {
	Tier    int `json:"tier"`
	Machine struct {
		Platform string `json:"platform"`
	} `json:"machine"`
}

// BuildProps is Taskcluster's "extra.build_props" block.
type BuildProps struct {
	Revision   string `json:"revision"`
	Repository string `json:"repository"`
	BuildType  string `json:"buildtype"`
	BuildID    string `json:"buildid"`
}

// Artifact describes one build artifact entry.
type Artifact struct {
	Name string `json:"name"`
}

type artifactsResponse struct {
	Artifacts         []Artifact `json:"artifacts"`
	ContinuationToken string     `json:"continuationToken"`
}

func (c *TaskclusterClient) getJSON(ctx context.Context, url string, out any) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return resilience.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return resilience.Permanent(fmt.Errorf("GET %s: status %d", url, resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	run := func() error {
		if c.breaker == nil {
			return resilience.Retry(ctx, c.retry, op)
		}
		_, err := c.breaker.Execute("taskcluster", func() (any, error) {
			return nil, resilience.Retry(ctx, c.retry, op)
		})
		return err
	}
	return run()
}

// GetTask fetches the task definition for taskID.
func (c *TaskclusterClient) GetTask(ctx context.Context, taskID string) (*TaskDefinition, error) {
	var def TaskDefinition
	url := fmt.Sprintf("%s/task/%s", c.baseURL, taskID)
	if err := c.getJSON(ctx, url, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ArtifactIterator walks a task's artifact list one continuation page
// at a time, fetching pages lazily as the caller advances.
type ArtifactIterator struct {
	client            *TaskclusterClient
	ctx               context.Context
	taskID, runID     string
	page              []Artifact
	idx               int
	continuationToken string
	started, done     bool
}

// Artifacts returns an iterator over taskID/runID's artifacts.
func (c *TaskclusterClient) Artifacts(ctx context.Context, taskID, runID string) *ArtifactIterator {
	return &ArtifactIterator{client: c, ctx: ctx, taskID: taskID, runID: runID}
}

// Next returns the next artifact, or (zero, false, nil) once exhausted.
func (it *ArtifactIterator) Next() (Artifact, bool, error) {
	for it.idx >= len(it.page) {
		if it.started && it.continuationToken == "" {
			return Artifact{}, false, nil
		}
		if err := it.fetchPage(); err != nil {
			return Artifact{}, false, err
		}
		it.started = true
	}
	a := it.page[it.idx]
	it.idx++
	return a, true, nil
}

func (it *ArtifactIterator) fetchPage() error {
	url := fmt.Sprintf("%s/task/%s/runs/%s/artifacts", it.client.baseURL, it.taskID, it.runID)
	if it.continuationToken != "" {
		url += "?continuationToken=" + it.continuationToken
	}
	var resp artifactsResponse
	if err := it.client.getJSON(it.ctx, url, &resp); err != nil {
		return err
	}
	it.page = resp.Artifacts
	it.idx = 0
	it.continuationToken = resp.ContinuationToken
	return nil
}

// ArtifactURL builds the download URL for a named artifact.
func (c *TaskclusterClient) ArtifactURL(taskID, runID, name string) string {
	return fmt.Sprintf("%s/task/%s/runs/%s/artifacts/%s", c.baseURL, taskID, runID, name)
}
