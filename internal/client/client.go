// Package client talks to the remote report backend. It is a thin typed
// wrapper over net/http; every response body is the usual envelope
// {"result": ...} except exports, which return the payload bytes directly.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/reportdeck/report-engine/internal/report"
)

// Client issues requests against the report backend.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// New creates a backend client. baseURL is the API root without a trailing
// slash, e.g. "https://reports.example.com/api".
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type envelope struct {
	Result json.RawMessage `json:"result"`
}

type listEnvelope struct {
	Data []report.InstanceWire `json:"data"`
}

// ListInstances fetches every report instance visible to the session.
func (c *Client) ListInstances(ctx context.Context) ([]report.InstanceWire, error) {
	var list listEnvelope
	if err := c.call(ctx, http.MethodGet, "/userreport", nil, nil, &list); err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return list.Data, nil
}

// GetInstance fetches a single instance by id.
func (c *Client) GetInstance(ctx context.Context, id int64) (*report.InstanceWire, error) {
	var wire report.InstanceWire
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/userreport/%d", id), nil, nil, &wire); err != nil {
		return nil, fmt.Errorf("get instance %d: %w", id, err)
	}
	return &wire, nil
}

// CreateInstance places a new instance of a report on a dashboard and
// returns the created instance id.
func (c *Client) CreateInstance(ctx context.Context, reportID, dashboardID int64, name string, params []*report.QueryParam) (int64, error) {
	query := url.Values{}
	query.Set("dashboardId", strconv.FormatInt(dashboardID, 10))
	query.Set("name", name)

	var id int64
	path := fmt.Sprintf("/report/%d/param", reportID)
	if err := c.call(ctx, http.MethodPost, path, query, paramsBody(params), &id); err != nil {
		return 0, fmt.Errorf("create instance of report %d: %w", reportID, err)
	}
	return id, nil
}

// CreateDrillDown creates the drilldown child of an existing instance and
// returns the child instance id.
func (c *Client) CreateDrillDown(ctx context.Context, reportID, parentInstanceID int64, params []*report.QueryParam) (int64, error) {
	var id int64
	path := fmt.Sprintf("/report/%d/userreport/%d/param", reportID, parentInstanceID)
	if err := c.call(ctx, http.MethodPost, path, nil, paramsBody(params), &id); err != nil {
		return 0, fmt.Errorf("create drilldown of instance %d: %w", parentInstanceID, err)
	}
	return id, nil
}

// UpdateInstance persists an instance's name and serialized config.
func (c *Client) UpdateInstance(ctx context.Context, id int64, name, config string) error {
	body := map[string]string{"name": name, "config": config}
	if err := c.call(ctx, http.MethodPut, fmt.Sprintf("/userreport/%d", id), nil, body, nil); err != nil {
		return fmt.Errorf("update instance %d: %w", id, err)
	}
	return nil
}

// DeleteInstance removes the server-side instance.
func (c *Client) DeleteInstance(ctx context.Context, id int64) error {
	if err := c.call(ctx, http.MethodDelete, fmt.Sprintf("/userreport/%d", id), nil, nil, nil); err != nil {
		return fmt.Errorf("delete instance %d: %w", id, err)
	}
	return nil
}

type execBody struct {
	FilterVOS         []report.Filter      `json:"filterVOS"`
	ParentParams      []*report.QueryParam `json:"parentParams"`
	OrderByElementVOS []report.OrderBy     `json:"orderByElementVOS"`
}

// Execute runs an instance's backing query. The body carries the filter,
// parameter and ordering collections; paging and cache hints travel in the
// query string.
func (c *Client) Execute(ctx context.Context, id int64, params report.ResolvedExecParams) (*report.ExecutionResultWire, error) {
	query := url.Values{}
	query.Set("loadFromCache", strconv.FormatBool(params.LoadFromCache))
	query.Set("page", strconv.Itoa(params.Page))
	query.Set("size", strconv.Itoa(params.Size))

	body := execBody{
		FilterVOS:         params.FilterVOS,
		ParentParams:      params.ParentParams,
		OrderByElementVOS: params.OrderByElementVOS,
	}

	var wire report.ExecutionResultWire
	if err := c.call(ctx, http.MethodPost, fmt.Sprintf("/userreport/%d/exec", id), query, body, &wire); err != nil {
		return nil, fmt.Errorf("execute instance %d: %w", id, err)
	}
	return &wire, nil
}

// FilterOptions fetches the selectable values of one declared filter.
func (c *Client) FilterOptions(ctx context.Context, id, filterID int64) (*report.ExecutionResult, error) {
	query := url.Values{}
	query.Set("filterId", strconv.FormatInt(filterID, 10))

	var result report.ExecutionResult
	if err := c.call(ctx, http.MethodPost, fmt.Sprintf("/userreport/%d/getFilterOptions", id), query, nil, &result); err != nil {
		return nil, fmt.Errorf("filter options of instance %d: %w", id, err)
	}
	return &result, nil
}

// Export produces a downloadable payload in the requested format.
func (c *Client) Export(ctx context.Context, id int64, format report.ExportFormat, params report.ResolvedExecParams) ([]byte, error) {
	api := "getXLS"
	if format == report.ExportCSV {
		api = "getCSV"
	}
	body := execBody{
		FilterVOS:         params.FilterVOS,
		ParentParams:      params.ParentParams,
		OrderByElementVOS: params.OrderByElementVOS,
	}

	data, err := c.raw(ctx, http.MethodPost, fmt.Sprintf("/userreport/%d/%s", id, api), nil, body)
	if err != nil {
		return nil, fmt.Errorf("export instance %d: %w", id, err)
	}
	return data, nil
}

// EmbedHash fetches the embed token of an instance.
func (c *Client) EmbedHash(ctx context.Context, id int64) (string, error) {
	var hash string
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/userreport/%d/hash", id), nil, nil, &hash); err != nil {
		return "", fmt.Errorf("embed hash of instance %d: %w", id, err)
	}
	return hash, nil
}

func paramsBody(params []*report.QueryParam) []*report.QueryParam {
	if params == nil {
		return []*report.QueryParam{}
	}
	return params
}

// call issues a request and decodes the {"result": ...} envelope into out.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	data, err := c.raw(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func (c *Client) raw(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("backend request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	return data, nil
}
