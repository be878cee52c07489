package platform

import (
	"context"
	"strings"
)

////////////////////////////////////////////////////////////////////////////////
// Local (serverless) entry points used by the CLI
////////////////////////////////////////////////////////////////////////////////

// LocalCredentialReport checks the credential contract against
// PIPELINE_CRED_* environment variables.
func LocalCredentialReport(ctx context.Context) (CredentialReport, error) {
	infos, err := listCredentials(ctx, envCredentials{})
	if err != nil {
		return CredentialReport{}, err
	}
	report := CredentialReport{Credentials: infos, Missing: []string{}, Complete: true}
	for _, info := range infos {
		if !info.Present {
			report.Missing = append(report.Missing, info.Name)
			report.Complete = false
		}
	}
	return report, nil
}

// VerifyCluster runs the smoke checks directly against the kubeconfig
// cluster. Credentials come from the environment.
func VerifyCluster(ctx context.Context, cfg Config, apps []string) VerifyReport {
	kube, argo := connectCluster(cfg, appLoggerForProcess().Source("verify"))
	return NewVerifier(kube, argo, envCredentials{}, apps).Verify(ctx)
}

// RenderBootstrapPlan returns the plan as a shell-style script; accountID
// may be empty, leaving the placeholder in place.
func RenderBootstrapPlan(cfg Config, accountID string) string {
	return formatBootstrapPlan(withAccountID(BootstrapPlan(cfg), strings.TrimSpace(accountID)))
}
