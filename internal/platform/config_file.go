package platform

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

////////////////////////////////////////////////////////////////////////////////
// Config file + PIPELINE_* environment loading
////////////////////////////////////////////////////////////////////////////////

const (
	configEnvPrefix = "PIPELINE"
	configFileName  = "pipeline"
)

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", defaultHTTPAddr)
	v.SetDefault("nats.store_dir", "")
	v.SetDefault("artifacts.root", "")
	v.SetDefault("artifacts.keep_workspace", false)
	v.SetDefault("build.mode", "")

	v.SetDefault("aws.region", defaultAWSRegion)
	v.SetDefault("aws.cli", defaultAWSCLIBin)
	v.SetDefault("registry.push", true)
	v.SetDefault("registry.username", "")
	v.SetDefault("registry.password", "")

	v.SetDefault("sonar.url", "")
	v.SetDefault("sonar.scanner", defaultSonarScannerBin)
	v.SetDefault("trivy.bin", defaultTrivyBin)
	v.SetDefault("trivy.severity", defaultSeverityGate)

	v.SetDefault("kube.config", "")
	v.SetDefault("gitops.namespace", defaultArgoNamespace)
	v.SetDefault("gitops.wait_for_sync", false)
	v.SetDefault("gitops.sync_timeout", defaultSyncTimeout)

	v.SetDefault("cluster.name", defaultClusterName)
	v.SetDefault("cluster.node_type", defaultNodeType)
	v.SetDefault("cluster.node_count", defaultNodeCount)
	v.SetDefault("cluster.helm_timeout", defaultHelmTimeout)

	v.SetDefault("grafana.url", defaultGrafanaURL)
	v.SetDefault("grafana.api_key", "")
	v.SetDefault("grafana.datasource", defaultGrafanaSource)
	v.SetDefault("grafana.catalog_url", defaultGrafanaComURL)
}

func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(configEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setConfigDefaults(v)
	return v
}

// LoadConfig reads path (or ./pipeline.yaml when path is empty and the file
// exists) and overlays PIPELINE_* environment variables.
func LoadConfig(path string) (Config, error) {
	v := newConfigViper()
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(configFileName)
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return configFromViper(v)
}

func configFromViper(v *viper.Viper) (Config, error) {
	if _, err := parseImageBuilderMode(v.GetString("build.mode")); err != nil {
		return Config{}, err
	}
	cfg := Config{
		HTTPAddr:         strings.TrimSpace(v.GetString("http.addr")),
		NATSStore:        resolveNATSStoreDirRaw(v.GetString("nats.store_dir"), v.IsSet("nats.store_dir")),
		ArtifactsRoot:    resolveArtifactsRoot(v.GetString("artifacts.root")),
		ImageBuilderMode: strings.TrimSpace(v.GetString("build.mode")),
		KeepWorkspace:    v.GetBool("artifacts.keep_workspace"),

		AWSRegion:       strings.TrimSpace(v.GetString("aws.region")),
		RegistryPush:    v.GetBool("registry.push"),
		RegistryUser:    v.GetString("registry.username"),
		RegistryPass:    v.GetString("registry.password"),
		AWSCLIBin:       strings.TrimSpace(v.GetString("aws.cli")),
		SonarURL:        strings.TrimRight(strings.TrimSpace(v.GetString("sonar.url")), "/"),
		SonarScannerBin: strings.TrimSpace(v.GetString("sonar.scanner")),
		TrivyBin:        strings.TrimSpace(v.GetString("trivy.bin")),
		SeverityGate:    strings.TrimSpace(v.GetString("trivy.severity")),

		Kubeconfig:    strings.TrimSpace(v.GetString("kube.config")),
		ArgoNamespace: strings.TrimSpace(v.GetString("gitops.namespace")),
		WaitForSync:   v.GetBool("gitops.wait_for_sync"),
		SyncTimeout:   v.GetDuration("gitops.sync_timeout"),

		ClusterName: strings.TrimSpace(v.GetString("cluster.name")),
		NodeType:    strings.TrimSpace(v.GetString("cluster.node_type")),
		NodeCount:   v.GetInt("cluster.node_count"),
		HelmTimeout: v.GetDuration("cluster.helm_timeout"),

		GrafanaURL:        strings.TrimRight(strings.TrimSpace(v.GetString("grafana.url")), "/"),
		GrafanaAPIKey:     v.GetString("grafana.api_key"),
		GrafanaDataSource: strings.TrimSpace(v.GetString("grafana.datasource")),
		GrafanaComURL:     strings.TrimRight(strings.TrimSpace(v.GetString("grafana.catalog_url")), "/"),
	}
	if cfg.AWSRegion == "" {
		return Config{}, errors.New("aws.region must not be empty")
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = defaultSyncTimeout
	}
	if cfg.NodeCount < 1 {
		cfg.NodeCount = defaultNodeCount
	}
	return cfg, nil
}
