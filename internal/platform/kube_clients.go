package platform

import (
	"fmt"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

////////////////////////////////////////////////////////////////////////////////
// Cluster clients
////////////////////////////////////////////////////////////////////////////////

// kubeClients bundles the typed and dynamic clients; tests swap in fakes.
type kubeClients struct {
	typed   kubernetes.Interface
	dynamic dynamic.Interface
}

// buildRESTConfig loads kubeconfig (or the default loading rules when empty,
// which also honours KUBECONFIG and in-cluster config).
func buildRESTConfig(kubeconfig string) (*rest.Config, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		loadingRules.ExplicitPath = kubeconfig
	}
	restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		loadingRules,
		&clientcmd.ConfigOverrides{},
	).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	return restConfig, nil
}

func newKubeClients(kubeconfig string) (*kubeClients, error) {
	restConfig, err := buildRESTConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	typed, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	dyn, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create dynamic client: %w", err)
	}
	return &kubeClients{typed: typed, dynamic: dyn}, nil
}
