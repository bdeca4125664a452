package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			// Synchronous exec and recipe calls can legitimately take minutes.
			Timeout: 15 * time.Minute,
		},
	}
}

type ServiceHealth struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

type HealthStatus struct {
	Status     string          `json:"status"`
	Services   []ServiceHealth `json:"services"`
	ActiveRuns int             `json:"activeRuns"`
	WSClients  int             `json:"wsClients"`
}

type Descriptor struct {
	Image    string            `json:"image"`
	Port     int               `json:"port"`
	HostPort int               `json:"hostPort,omitempty"`
	Family   string            `json:"family,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Network  string            `json:"network,omitempty"`
}

type Environment struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Descriptor Descriptor `json:"descriptor"`
	State      string     `json:"state"`
	HostPort   int        `json:"hostPort,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	Running    bool       `json:"running"`
}

type EnvironmentSummary struct {
	ID        string
	Name      string
	State     string
	Labels    map[string]string
	CreatedAt time.Time
}

type ExecRequest struct {
	Command []string          `json:"command"`
	Timeout string            `json:"timeout,omitempty"`
	WorkDir string            `json:"workdir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type ExecResult struct {
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

type StepOutput struct {
	Name       string `json:"name"`
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
}

type ArtifactRef struct {
	Name string `json:"name"`
	Size int    `json:"size"`
	Key  string `json:"key,omitempty"`
}

type Run struct {
	ID            string        `json:"id"`
	Workflow      string        `json:"workflow"`
	Status        string        `json:"status"`
	FailedStep    string        `json:"failedStep,omitempty"`
	Message       string        `json:"message,omitempty"`
	ErrorKind     string        `json:"errorKind,omitempty"`
	Steps         []StepOutput  `json:"steps"`
	Artifacts     []ArtifactRef `json:"artifacts"`
	Warnings      []string      `json:"warnings"`
	EnvironmentID string        `json:"environmentId,omitempty"`
	HostPort      int           `json:"hostPort,omitempty"`
	StartedAt     time.Time     `json:"startedAt"`
	FinishedAt    *time.Time    `json:"finishedAt,omitempty"`
}

func (r *Run) Finished() bool {
	return r.Status != "" && r.Status != "running"
}

type RunList struct {
	Runs  []Run `json:"runs"`
	Total int   `json:"total"`
}

type RecipeOptions struct {
	Image          string            `json:"image,omitempty"`
	Port           int               `json:"port,omitempty"`
	HostPort       int               `json:"hostPort,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	PackageManager string            `json:"packageManager,omitempty"`
	Build          []string          `json:"build,omitempty"`
	Start          []string          `json:"start,omitempty"`
	HealthPath     string            `json:"healthPath,omitempty"`
	Keep           bool              `json:"keep,omitempty"`
	Database       string            `json:"database,omitempty"`
	SetupQueries   []string          `json:"setupQueries,omitempty"`
	InputImage     string            `json:"inputImage,omitempty"`
	InputName      string            `json:"inputName,omitempty"`
}

type RecipeRequest struct {
	Repo    string        `json:"repo,omitempty"`
	Options RecipeOptions `json:"options"`
}

type SweepResult struct {
	Checked  int      `json:"checked"`
	Removed  []string `json:"removed"`
	InUse    []string `json:"inUse"`
	Warnings []string `json:"warnings"`
}

// Error is a non-2xx API response.
type Error struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Kind    string `json:"kind"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("HTTP %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func (c *Client) Health() (*HealthStatus, error) {
	var h HealthStatus
	if err := c.get("/api/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) Version() (string, error) {
	var v map[string]string
	if err := c.get("/api/version", &v); err != nil {
		return "", err
	}
	return v["version"], nil
}

func (c *Client) ListEnvironments() ([]EnvironmentSummary, error) {
	var list []EnvironmentSummary
	if err := c.get("/api/environments", &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) CreateEnvironment(d Descriptor) (*Environment, error) {
	var env Environment
	if err := c.send(http.MethodPost, "/api/environments", "application/json", jsonBody(d), &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *Client) GetEnvironment(id string) (*Environment, error) {
	var env Environment
	if err := c.get("/api/environments/"+url.PathEscape(id), &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Exec runs a command in an environment. A non-zero exit is reported in
// the result, not as an error.
func (c *Client) Exec(id string, req ExecRequest) (*ExecResult, error) {
	var res ExecResult
	if err := c.send(http.MethodPost, "/api/environments/"+url.PathEscape(id)+"/exec", "application/json", jsonBody(req), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DeleteEnvironment tears an environment down and returns cleanup warnings.
func (c *Client) DeleteEnvironment(id string) (bool, []string, error) {
	var res struct {
		Removed  bool     `json:"removed"`
		Warnings []string `json:"warnings"`
	}
	if err := c.send(http.MethodDelete, "/api/environments/"+url.PathEscape(id), "", nil, &res); err != nil {
		return false, nil, err
	}
	return res.Removed, res.Warnings, nil
}

// StartWorkflow submits a YAML workflow document and returns the run id.
func (c *Client) StartWorkflow(doc []byte) (string, error) {
	var res struct {
		RunID string `json:"runId"`
	}
	if err := c.send(http.MethodPost, "/api/workflows/run?async=true", "application/yaml", doc, &res); err != nil {
		return "", err
	}
	return res.RunID, nil
}

func (c *Client) ListRecipes() ([]string, error) {
	var names []string
	if err := c.get("/api/recipes", &names); err != nil {
		return nil, err
	}
	return names, nil
}

// StartRecipe starts the named recipe asynchronously and returns the run id.
func (c *Client) StartRecipe(name string, req RecipeRequest) (string, error) {
	var res struct {
		RunID string `json:"runId"`
	}
	if err := c.send(http.MethodPost, "/api/recipes/"+url.PathEscape(name)+"?async=true", "application/json", jsonBody(req), &res); err != nil {
		return "", err
	}
	return res.RunID, nil
}

// RecipeWorkflow returns the workflow a recipe would run, without running it.
func (c *Client) RecipeWorkflow(name string, req RecipeRequest) (json.RawMessage, error) {
	var wf json.RawMessage
	if err := c.send(http.MethodPost, "/api/recipes/"+url.PathEscape(name)+"?dryRun=true", "application/json", jsonBody(req), &wf); err != nil {
		return nil, err
	}
	return wf, nil
}

func (c *Client) ListRuns(workflow, status string, limit int) (*RunList, error) {
	q := url.Values{}
	if workflow != "" {
		q.Set("workflow", workflow)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var list RunList
	if err := c.get("/api/runs?"+q.Encode(), &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *Client) GetRun(id string) (*Run, error) {
	var run Run
	if err := c.get("/api/runs/"+url.PathEscape(id), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) CancelRun(id string) error {
	return c.send(http.MethodDelete, "/api/runs/"+url.PathEscape(id), "", nil, nil)
}

// Artifact downloads one archived artifact. Directory artifacts are named
// dir/file, and each segment is escaped on its own.
func (c *Client) Artifact(runID, name string) ([]byte, error) {
	segs := strings.Split(name, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return c.raw("/api/runs/" + url.PathEscape(runID) + "/artifacts/" + strings.Join(segs, "/"))
}

// raw fetches a non-JSON body.
func (c *Client) raw(path string) ([]byte, error) {
	req, err := c.request(http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	return io.ReadAll(resp.Body)
}

// RunLog returns the run's saga events rendered one per line.
func (c *Client) RunLog(id string) (string, error) {
	data, err := c.raw("/api/saga/" + url.PathEscape(id) + "?format=text")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *Client) JanitorSweep() (*SweepResult, error) {
	var res SweepResult
	if err := c.send(http.MethodPost, "/api/janitor/sweep", "", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) WebSocketURL() string {
	base := c.BaseURL
	base = strings.Replace(base, "http://", "ws://", 1)
	base = strings.Replace(base, "https://", "wss://", 1)
	if c.Token != "" {
		return base + "/ws?token=" + url.QueryEscape(c.Token)
	}
	return base + "/ws"
}

func (c *Client) get(path string, v any) error {
	return c.send(http.MethodGet, path, "", nil, v)
}

func (c *Client) request(method, path, contentType string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func (c *Client) send(method, path, contentType string, body []byte, v any) error {
	req, err := c.request(method, path, contentType, body)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func apiError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	e := &Error{Status: resp.StatusCode}
	if json.Unmarshal(b, e) != nil || e.Message == "" {
		e.Message = strings.TrimSpace(string(b))
	}
	return e
}

func jsonBody(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
