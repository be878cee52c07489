package platform

import (
	"fmt"
	"strings"
)

////////////////////////////////////////////////////////////////////////////////
// Cluster bootstrap plan (provisioning tool + controller installs)
////////////////////////////////////////////////////////////////////////////////

const (
	accountIDPlaceholder = "<Account_ID>"

	lbControllerName       = "aws-load-balancer-controller"
	lbControllerNamespace  = "kube-system"
	lbControllerPolicyName = "AWSLoadBalancerControllerIAMPolicy"
	lbControllerRoleName   = "AmazonEKSLoadBalancerControllerRole"
	lbControllerPolicyURL  = "https://raw.githubusercontent.com/kubernetes-sigs/aws-load-balancer-controller/v2.5.4/docs/install/iam_policy.json"
	argoInstallManifestURL = "https://raw.githubusercontent.com/argoproj/argo-cd/v2.4.7/manifests/install.yaml"
	monitoringNamespace    = "prometheus"
	monitoringRelease      = "stable"
)

type BootstrapStep struct {
	Phase   string `json:"phase"`
	Title   string `json:"title"`
	Command string `json:"command"`
}

// BootstrapPlan is the ordered, documented command list that brings up the
// cluster and its controllers. The account id stays a placeholder; see
// withAccountID.
func BootstrapPlan(cfg Config) []BootstrapStep {
	cluster := defaultString(cfg.ClusterName, defaultClusterName)
	region := defaultString(cfg.AWSRegion, defaultAWSRegion)
	nodeType := defaultString(cfg.NodeType, defaultNodeType)
	nodes := cfg.NodeCount
	if nodes <= 0 {
		nodes = defaultNodeCount
	}
	argoNS := defaultString(cfg.ArgoNamespace, defaultArgoNamespace)

	return []BootstrapStep{
		{
			Phase: "cluster",
			Title: "create the managed cluster",
			Command: fmt.Sprintf(
				"eksctl create cluster --name %s --region %s --node-type %s --nodes-min %d --nodes-max %d",
				cluster, region, nodeType, nodes, nodes,
			),
		},
		{
			Phase:   "cluster",
			Title:   "point kubectl at the cluster",
			Command: fmt.Sprintf("aws eks update-kubeconfig --region %s --name %s", region, cluster),
		},
		{
			Phase:   "load-balancer",
			Title:   "download the controller IAM policy",
			Command: "curl -O " + lbControllerPolicyURL,
		},
		{
			Phase: "load-balancer",
			Title: "create the controller IAM policy",
			Command: fmt.Sprintf(
				"aws iam create-policy --policy-name %s --policy-document file://iam_policy.json",
				lbControllerPolicyName,
			),
		},
		{
			Phase: "load-balancer",
			Title: "associate the cluster OIDC provider",
			Command: fmt.Sprintf(
				"eksctl utils associate-iam-oidc-provider --region=%s --cluster=%s --approve",
				region, cluster,
			),
		},
		{
			Phase: "load-balancer",
			Title: "create the controller service account",
			Command: fmt.Sprintf(
				"eksctl create iamserviceaccount --cluster=%s --namespace=%s --name=%s --role-name %s "+
					"--attach-policy-arn=arn:aws:iam::%s:policy/%s --approve --region=%s",
				cluster, lbControllerNamespace, lbControllerName, lbControllerRoleName,
				accountIDPlaceholder, lbControllerPolicyName, region,
			),
		},
		{
			Phase: "load-balancer",
			Title: "install the load balancer controller",
			Command: fmt.Sprintf(
				"helm repo add eks %s && helm repo update eks && helm install %s eks/%s -n %s "+
					"--set clusterName=%s --set serviceAccount.create=false --set serviceAccount.name=%s",
				helmRepoEKS, lbControllerName, lbControllerName, lbControllerNamespace, cluster, lbControllerName,
			),
		},
		{
			Phase:   "gitops",
			Title:   "create the GitOps controller namespace",
			Command: "kubectl create namespace " + argoNS,
		},
		{
			Phase:   "gitops",
			Title:   "install the GitOps controller",
			Command: fmt.Sprintf("kubectl apply -n %s -f %s", argoNS, argoInstallManifestURL),
		},
		{
			Phase:   "gitops",
			Title:   "expose the GitOps controller UI",
			Command: fmt.Sprintf(`kubectl patch svc argocd-server -n %s -p '{"spec": {"type": "LoadBalancer"}}'`, argoNS),
		},
		{
			Phase: "monitoring",
			Title: "install Prometheus and Grafana",
			Command: fmt.Sprintf(
				"helm repo add prometheus-community %s && helm repo update && "+
					"helm install %s prometheus-community/kube-prometheus-stack -n %s --create-namespace",
				helmRepoPrometheus, monitoringRelease, monitoringNamespace,
			),
		},
		{
			Phase: "monitoring",
			Title: "import dashboards",
			Command: fmt.Sprintf(
				"gitops-pipeline dashboards import (grafana.com ids %d, %d)",
				dashboardKubernetesCluster, dashboardKubernetesViews,
			),
		},
		{
			Phase:   "verify",
			Title:   "smoke check",
			Command: "kubectl get nodes && gitops-pipeline verify",
		},
	}
}

func withAccountID(steps []BootstrapStep, accountID string) []BootstrapStep {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return steps
	}
	out := make([]BootstrapStep, len(steps))
	for i, step := range steps {
		step.Command = strings.ReplaceAll(step.Command, accountIDPlaceholder, accountID)
		out[i] = step
	}
	return out
}

func formatBootstrapPlan(steps []BootstrapStep) string {
	var b strings.Builder
	phase := ""
	for i, step := range steps {
		if step.Phase != phase {
			phase = step.Phase
			fmt.Fprintf(&b, "\n# %s\n", phase)
		}
		fmt.Fprintf(&b, "# %d. %s\n%s\n", i+1, step.Title, step.Command)
	}
	return strings.TrimLeft(b.String(), "\n")
}
