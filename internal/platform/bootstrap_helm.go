package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/storage/driver"
)

////////////////////////////////////////////////////////////////////////////////
// Controller installation via the helm SDK
////////////////////////////////////////////////////////////////////////////////

const (
	helmRepoEKS        = "https://aws.github.io/eks-charts"
	helmRepoArgo       = "https://argoproj.github.io/argo-helm"
	helmRepoPrometheus = "https://prometheus-community.github.io/helm-charts"
)

type controllerChart struct {
	Release   string         `json:"release"`
	Chart     string         `json:"chart"`
	RepoURL   string         `json:"repo_url"`
	Namespace string         `json:"namespace"`
	Values    map[string]any `json:"values,omitempty"`
}

type ControllerInstall struct {
	Release   string `json:"release"`
	Namespace string `json:"namespace"`
	Action    string `json:"action"` // install | upgrade
	Version   int    `json:"version"`
	Status    string `json:"status"`
}

func controllerCharts(cfg Config) []controllerChart {
	return []controllerChart{
		{
			Release:   lbControllerName,
			Chart:     "aws-load-balancer-controller",
			RepoURL:   helmRepoEKS,
			Namespace: lbControllerNamespace,
			Values: map[string]any{
				"clusterName": defaultString(cfg.ClusterName, defaultClusterName),
				"region":      defaultString(cfg.AWSRegion, defaultAWSRegion),
				"serviceAccount": map[string]any{
					"create": false,
					"name":   lbControllerName,
				},
			},
		},
		{
			Release:   "argocd",
			Chart:     "argo-cd",
			RepoURL:   helmRepoArgo,
			Namespace: defaultString(cfg.ArgoNamespace, defaultArgoNamespace),
			Values:    nil,
		},
		{
			Release:   monitoringRelease,
			Chart:     "kube-prometheus-stack",
			RepoURL:   helmRepoPrometheus,
			Namespace: monitoringNamespace,
			Values:    nil,
		},
	}
}

// InstallControllers installs (or upgrades, when a release exists) the load
// balancer controller, the GitOps controller and the monitoring stack.
func InstallControllers(ctx context.Context, cfg Config) ([]ControllerInstall, error) {
	log := appLoggerForProcess().Source("bootstrap")
	timeout := cfg.HelmTimeout
	if timeout <= 0 {
		timeout = defaultHelmTimeout
	}
	var out []ControllerInstall
	for _, c := range controllerCharts(cfg) {
		if err := ensureContextAlive(ctx); err != nil {
			return out, err
		}
		log.Infof("helm %s/%s -> %s", c.Release, c.Chart, c.Namespace)
		res, err := installOrUpgradeChart(ctx, cfg.Kubeconfig, c, timeout)
		if err != nil {
			return out, fmt.Errorf("install %s: %w", c.Release, err)
		}
		out = append(out, res)
	}
	return out, nil
}

func newHelmActionConfig(kubeconfig, namespace string) (*action.Configuration, *cli.EnvSettings, error) {
	settings := cli.New()
	settings.SetNamespace(namespace)
	if kubeconfig != "" {
		settings.KubeConfig = kubeconfig
	}
	log := appLoggerForProcess().Source("bootstrap")
	actionConfig := new(action.Configuration)
	if err := actionConfig.Init(
		settings.RESTClientGetter(),
		namespace,
		os.Getenv("HELM_DRIVER"),
		func(format string, v ...any) { log.Debugf(format, v...) },
	); err != nil {
		return nil, nil, fmt.Errorf("initialize helm: %w", err)
	}
	return actionConfig, settings, nil
}

func installOrUpgradeChart(
	ctx context.Context,
	kubeconfig string,
	c controllerChart,
	timeout time.Duration,
) (ControllerInstall, error) {
	actionConfig, settings, err := newHelmActionConfig(kubeconfig, c.Namespace)
	if err != nil {
		return ControllerInstall{}, err
	}

	history := action.NewHistory(actionConfig)
	history.Max = 1
	_, histErr := history.Run(c.Release)
	exists := histErr == nil
	if histErr != nil && !errors.Is(histErr, driver.ErrReleaseNotFound) {
		return ControllerInstall{}, fmt.Errorf("read release history: %w", histErr)
	}

	if !exists {
		install := action.NewInstall(actionConfig)
		install.ReleaseName = c.Release
		install.Namespace = c.Namespace
		install.CreateNamespace = true
		install.Wait = true
		install.Timeout = timeout
		install.ChartPathOptions.RepoURL = c.RepoURL
		chartPath, err := install.ChartPathOptions.LocateChart(c.Chart, settings)
		if err != nil {
			return ControllerInstall{}, fmt.Errorf("locate chart: %w", err)
		}
		chart, err := loader.Load(chartPath)
		if err != nil {
			return ControllerInstall{}, fmt.Errorf("load chart: %w", err)
		}
		rel, err := install.RunWithContext(ctx, chart, c.Values)
		if err != nil {
			return ControllerInstall{}, err
		}
		return ControllerInstall{
			Release:   rel.Name,
			Namespace: rel.Namespace,
			Action:    "install",
			Version:   rel.Version,
			Status:    rel.Info.Status.String(),
		}, nil
	}

	upgrade := action.NewUpgrade(actionConfig)
	upgrade.Namespace = c.Namespace
	upgrade.Wait = true
	upgrade.Timeout = timeout
	upgrade.ReuseValues = true
	upgrade.ChartPathOptions.RepoURL = c.RepoURL
	chartPath, err := upgrade.ChartPathOptions.LocateChart(c.Chart, settings)
	if err != nil {
		return ControllerInstall{}, fmt.Errorf("locate chart: %w", err)
	}
	chart, err := loader.Load(chartPath)
	if err != nil {
		return ControllerInstall{}, fmt.Errorf("load chart: %w", err)
	}
	rel, err := upgrade.RunWithContext(ctx, c.Release, chart, c.Values)
	if err != nil {
		return ControllerInstall{}, err
	}
	return ControllerInstall{
		Release:   rel.Name,
		Namespace: rel.Namespace,
		Action:    "upgrade",
		Version:   rel.Version,
		Status:    rel.Info.Status.String(),
	}, nil
}
