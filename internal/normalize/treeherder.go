package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mozilla/autophoned/internal/resilience"
)

// TreeherderClient fetches job records and private-build details over
// plain HTTP, wrapped the same way TaskclusterClient is.
type TreeherderClient struct {
	baseURL    string
	httpClient *http.Client
	retry      resilience.RetryConfig
	breaker    *resilience.CircuitManager
}

// NewTreeherderClient constructs a client against baseURL. An empty
// baseURL means job-action handling is disabled: the job-actions queue
// is only bound when a Treeherder URL is configured.
func NewTreeherderClient(baseURL string, httpClient *http.Client, breaker *resilience.CircuitManager) *TreeherderClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &TreeherderClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		retry:      resilience.DefaultRetryConfig(),
		breaker:    breaker,
	}
}

// Enabled reports whether a Treeherder base URL was configured.
func (c *TreeherderClient) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// JobRecord is the subset of a Treeherder job record the normalizer needs.
type JobRecord struct {
	Project        string `json:"project"`
	Platform       string `json:"platform"`
	PlatformOption string `json:"platform_option"`
}

// PrivateBuildDetails holds the four fields the job-action path requires
// from the job's private-build detail list. Any missing field drops the
// event.
type PrivateBuildDetails struct {
	BuildURL    string
	ConfigFile  string
	Chunk       string
	BuilderType string
}

func (c *TreeherderClient) getJSON(ctx context.Context, url string, out any) error {
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

	if c.breaker == nil {
		return resilience.Retry(ctx, c.retry, op)
	}
	_, err := c.breaker.Execute("treeherder", func() (any, error) {
		return nil, resilience.Retry(ctx, c.retry, op)
	})
	return err
}

// GetJob fetches the job record for project/jobID.
func (c *TreeherderClient) GetJob(ctx context.Context, project string, jobID int64) (*JobRecord, error) {
	var rec JobRecord
	url := fmt.Sprintf("%s/api/project/%s/jobs/%d/", c.baseURL, project, jobID)
	if err := c.getJSON(ctx, url, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetPrivateBuildDetails fetches and extracts the private-build detail
// fields for project/jobID. Returns an error if any required key is
// missing, so the caller can drop the event.
func (c *TreeherderClient) GetPrivateBuildDetails(ctx context.Context, project string, jobID int64) (*PrivateBuildDetails, error) {
	var details []map[string]string
	url := fmt.Sprintf("%s/api/project/%s/jobs/%d/text_log_errors/", c.baseURL, project, jobID)
	if err := c.getJSON(ctx, url, &details); err != nil {
		return nil, err
	}

	merged := map[string]string{}
	for _, d := range details {
		for k, v := range d {
			merged[k] = v
		}
	}

	required := []string{"build_url", "config_file", "chunk", "builder_type"}
	for _, k := range required {
		if merged[k] == "" {
			return nil, fmt.Errorf("private build details missing required key %q", k)
		}
	}

	return &PrivateBuildDetails{
		BuildURL:    merged["build_url"],
		ConfigFile:  merged["config_file"],
		Chunk:       merged["chunk"],
		BuilderType: merged["builder_type"],
	}, nil
}
