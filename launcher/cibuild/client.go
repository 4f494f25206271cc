package cibuild

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kernelboard/benchd/launcher"
)

const requestTimeout = 30 * time.Second

// Client is a thin client for the build-creation / polling / artifact REST
// API shared by the poll-based and agent-queue backends.
type Client struct {
	API      string
	Org      string
	Pipeline string
	Token    string

	// httpc carries the API bearer token. bare is credential-free and
	// used for redirect targets only: artifact downloads redirect to
	// object storage, and the API token must not travel there.
	httpc *http.Client
	bare  *http.Client
}

// NewClient creates a build API client.
func NewClient(api, org, pipeline, token string) *Client {
	return &Client{
		API:      api,
		Org:      org,
		Pipeline: pipeline,
		Token:    token,
		httpc: &http.Client{
			Timeout: requestTimeout,
			// Redirects are handled manually so credentials never
			// leak to a redirect target.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		bare: &http.Client{Timeout: requestTimeout},
	}
}

// BuildRequest is the build-creation document.
type BuildRequest struct {
	Message string            `json:"message"`
	Env     map[string]string `json:"env"`
	Queue   string            `json:"queue,omitempty"`
	Meta    map[string]string `json:"meta_data,omitempty"`
}

// Build is the backend's view of one build.
type Build struct {
	Number int        `json:"number"`
	State  string     `json:"state"`
	URL    string     `json:"url"`
	WebURL string     `json:"web_url"`
	Jobs   []BuildJob `json:"jobs"`
}

// BuildJob is one job within a build.
type BuildJob struct {
	ArtifactsURL string `json:"artifacts_url"`
}

// Artifact is one uploaded build artifact.
type Artifact struct {
	Filename    string `json:"filename"`
	DownloadURL string `json:"download_url"`
}

// Agent is one connected build agent.
type Agent struct {
	Name     string   `json:"name"`
	State    string   `json:"connection_state"`
	Busy     bool     `json:"busy"`
	Metadata []string `json:"metadata"`
}

func (c *Client) buildsURL() string {
	return fmt.Sprintf("%s/organizations/%s/pipelines/%s/builds", c.API, c.Org, c.Pipeline)
}

func (c *Client) agentsURL() string {
	return fmt.Sprintf("%s/organizations/%s/agents", c.API, c.Org)
}

// CreateBuild submits a build request.
func (c *Client) CreateBuild(ctx context.Context, br *BuildRequest) (*Build, error) {
	body, err := json.Marshal(br)
	if err != nil {
		return nil, launcher.NewError(launcher.KindRejected, "encode build request", err)
	}
	var b Build
	if err := c.doJSON(ctx, http.MethodPost, c.buildsURL(), bytes.NewReader(body), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBuild fetches the current state of a build by its API URL.
func (c *Client) GetBuild(ctx context.Context, url string) (*Build, error) {
	var b Build
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// ListArtifacts lists the artifacts of a build job.
func (c *Client) ListArtifacts(ctx context.Context, artifactsURL string) ([]Artifact, error) {
	var arts []Artifact
	if err := c.doJSON(ctx, http.MethodGet, artifactsURL, nil, &arts); err != nil {
		return nil, err
	}
	return arts, nil
}

// Agents lists all connected agents of the organization.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := c.doJSON(ctx, http.MethodGet, c.agentsURL(), nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// DownloadArtifact fetches an artifact body. The API answers with a
// redirect to object storage; the redirect is followed with the bare
// client so the bearer token is never forwarded.
func (c *Client) DownloadArtifact(ctx context.Context, downloadURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, launcher.NewError(launcher.KindRejected, "build artifact request", err)
	}
	c.authorize(req)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, launcher.NewError(launcher.KindTransport, "fetch artifact", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		loc := resp.Header.Get("Location")
		if loc == "" {
			return nil, launcher.NewError(launcher.KindTransport, "artifact redirect without location", nil)
		}
		redirReq, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
		if err != nil {
			return nil, launcher.NewError(launcher.KindRejected, "artifact redirect request", err)
		}
		redirResp, err := c.bare.Do(redirReq)
		if err != nil {
			return nil, launcher.NewError(launcher.KindTransport, "fetch redirected artifact", err)
		}
		defer redirResp.Body.Close()
		if redirResp.StatusCode != http.StatusOK {
			return nil, launcher.NewError(launcher.KindTransport,
				fmt.Sprintf("artifact storage returned %d", redirResp.StatusCode), nil)
		}
		return io.ReadAll(redirResp.Body)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, launcher.NewError(launcher.KindTransport,
			fmt.Sprintf("artifact fetch returned %d", resp.StatusCode), nil)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) authorize(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}

func (c *Client) doJSON(ctx context.Context, method, url string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return launcher.NewError(launcher.KindRejected, "build api request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return launcher.NewError(launcher.KindTimeout, "build api deadline exceeded", ctx.Err())
		}
		return launcher.NewError(launcher.KindTransport, "build api unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return launcher.NewError(launcher.KindTransport,
			fmt.Sprintf("build api returned %d", resp.StatusCode), nil)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return launcher.NewError(launcher.KindRejected,
			fmt.Sprintf("build api returned %d: %s", resp.StatusCode, msg), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return launcher.NewError(launcher.KindArtifactCorrupt, "decode build api response", err)
	}
	return nil
}
