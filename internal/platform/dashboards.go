package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

////////////////////////////////////////////////////////////////////////////////
// Metrics visualization: dashboard import into Grafana
////////////////////////////////////////////////////////////////////////////////

const (
	grafanaRequestTimeout   = 30 * time.Second
	maxDashboardBytes       = 8 << 20
	grafanaDatasourceInput  = "datasource"
	grafanaPrometheusPlugin = "prometheus"
)

// DashboardIDs are the grafana.com dashboards imported for the cluster.
func DashboardIDs() []int {
	return []int{dashboardKubernetesCluster, dashboardKubernetesViews}
}

type DashboardImport struct {
	GrafanaComID int    `json:"grafana_com_id"`
	Title        string `json:"title"`
	UID          string `json:"uid,omitempty"`
	URL          string `json:"url,omitempty"`
	Imported     bool   `json:"imported"`
}

type dashboardInput struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	PluginID string `json:"pluginId"`
	Value    string `json:"value"`
}

type grafanaImportRequest struct {
	Dashboard json.RawMessage  `json:"dashboard"`
	Overwrite bool             `json:"overwrite"`
	Inputs    []dashboardInput `json:"inputs"`
	FolderID  int              `json:"folderId"`
}

type grafanaImportResponse struct {
	UID         string `json:"uid"`
	Title       string `json:"title"`
	ImportedURL string `json:"importedUrl"`
	Imported    bool   `json:"imported"`
}

type dashboardImporter struct {
	grafanaURL    string
	grafanaComURL string
	apiKey        string
	datasource    string
	client        *http.Client
}

func newDashboardImporter(cfg Config, client *http.Client) dashboardImporter {
	if client == nil {
		client = &http.Client{Timeout: grafanaRequestTimeout}
	}
	return dashboardImporter{
		grafanaURL:    strings.TrimRight(defaultString(cfg.GrafanaURL, defaultGrafanaURL), "/"),
		grafanaComURL: strings.TrimRight(defaultString(cfg.GrafanaComURL, defaultGrafanaComURL), "/"),
		apiKey:        cfg.GrafanaAPIKey,
		datasource:    defaultString(cfg.GrafanaDataSource, defaultGrafanaSource),
		client:        client,
	}
}

// ImportDashboards downloads each fixed dashboard and imports it bound to the
// Prometheus data source.
func ImportDashboards(ctx context.Context, cfg Config) ([]DashboardImport, error) {
	return newDashboardImporter(cfg, nil).importAll(ctx, DashboardIDs())
}

func (d dashboardImporter) importAll(ctx context.Context, ids []int) ([]DashboardImport, error) {
	results := make([]DashboardImport, len(ids))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, id := range ids {
		group.Go(func() error {
			res, err := d.importOne(groupCtx, id)
			if err != nil {
				return fmt.Errorf("dashboard %d: %w", id, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (d dashboardImporter) importOne(ctx context.Context, id int) (DashboardImport, error) {
	body, err := d.download(ctx, id)
	if err != nil {
		return DashboardImport{}, err
	}
	inputs, err := d.inputsFor(body)
	if err != nil {
		return DashboardImport{}, err
	}
	payload, err := json.Marshal(grafanaImportRequest{
		Dashboard: body,
		Overwrite: true,
		Inputs:    inputs,
		FolderID:  0,
	})
	if err != nil {
		return DashboardImport{}, err
	}
	respBody, err := d.do(ctx, http.MethodPost, d.grafanaURL+"/api/dashboards/import", payload, true)
	if err != nil {
		return DashboardImport{}, fmt.Errorf("import: %w", err)
	}
	var decoded grafanaImportResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return DashboardImport{}, fmt.Errorf("decode import response: %w", err)
	}
	return DashboardImport{
		GrafanaComID: id,
		Title:        decoded.Title,
		UID:          decoded.UID,
		URL:          decoded.ImportedURL,
		Imported:     true,
	}, nil
}

func (d dashboardImporter) download(ctx context.Context, id int) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/api/dashboards/%d/revisions/latest/download", d.grafanaComURL, id)
	body, err := d.do(ctx, http.MethodGet, endpoint, nil, false)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("download: response is not JSON")
	}
	return body, nil
}

// inputsFor maps every datasource input the dashboard declares to the
// configured Prometheus data source.
func (d dashboardImporter) inputsFor(dashboard json.RawMessage) ([]dashboardInput, error) {
	var decl struct {
		Inputs []struct {
			Name     string `json:"name"`
			Type     string `json:"type"`
			PluginID string `json:"pluginId"`
		} `json:"__inputs"`
	}
	if err := json.Unmarshal(dashboard, &decl); err != nil {
		return nil, fmt.Errorf("read dashboard inputs: %w", err)
	}
	var inputs []dashboardInput
	for _, in := range decl.Inputs {
		if in.Type != grafanaDatasourceInput {
			continue
		}
		if in.PluginID != "" && in.PluginID != grafanaPrometheusPlugin {
			return nil, fmt.Errorf("unsupported datasource input %s (%s)", in.Name, in.PluginID)
		}
		inputs = append(inputs, dashboardInput{
			Name:     in.Name,
			Type:     grafanaDatasourceInput,
			PluginID: grafanaPrometheusPlugin,
			Value:    d.datasource,
		})
	}
	if len(inputs) == 0 {
		inputs = append(inputs, dashboardInput{
			Name:     "DS_PROMETHEUS",
			Type:     grafanaDatasourceInput,
			PluginID: grafanaPrometheusPlugin,
			Value:    d.datasource,
		})
	}
	return inputs, nil
}

func (d dashboardImporter) do(ctx context.Context, method, endpoint string, payload []byte, grafana bool) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if grafana && d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDashboardBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, endpoint, resp.StatusCode, tailBytes(body, 512))
	}
	return body, nil
}
