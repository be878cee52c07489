package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/a2y-d5l/gitops-pipeline/internal/platform"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const (
	defaultServer  = "http://127.0.0.1:8080"
	requestTimeout = 30 * time.Second
)

type rootOptions struct {
	configPath string
	server     string
	logLevel   string
	output     string
}

func newRootCmd(version, commit string) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "gitops-pipeline",
		Short:         "DevSecOps pipeline coordinator for a three-tier app on Kubernetes",
		Long:          "gitops-pipeline sequences checkout, static analysis, vulnerability scans, image build/push and GitOps manifest updates, and bootstraps the cluster controllers it relies on.",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if opts.logLevel != "" {
				platform.SetLogLevel(opts.logLevel)
			}
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ./pipeline.yaml)")
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("PIPELINE_SERVER", defaultServer), "address of a running service")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug|info|warn|error")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "text|json")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newCredsCmd(opts),
		newVerifyCmd(opts),
		newBootstrapCmd(opts),
		newDashboardsCmd(opts),
		newVersionCmd(version, commit),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func mark(ok bool) string {
	if ok {
		return color.GreenString("ok  ")
	}
	return color.RedString("FAIL")
}

////// serve //////

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, the embedded broker and the stage workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := platform.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return platform.Serve(ctx, cfg)
		},
	}
}

////// run //////

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		commit string
		wait   bool
	)
	cmd := &cobra.Command{
		Use:   "run <app>",
		Short: "Trigger a pipeline run for a registered application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			run, err := platform.NewClient(opts.server).TriggerRun(ctx, args[0], commit, wait)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.output == "json" {
				return printJSON(out, run)
			}
			fmt.Fprintf(out, "run %s app=%s status=%s\n", run.ID, run.AppID, run.Status)
			for _, st := range run.Stages {
				ok := st.Error == ""
				detail := st.Message
				if !ok {
					detail = st.Error
				}
				fmt.Fprintf(out, "  %s %-16s %s\n", mark(ok), st.Stage, detail)
			}
			for tier, ref := range run.Images {
				fmt.Fprintf(out, "  image %s: %s\n", tier, ref)
			}
			if wait && run.Status == "error" {
				return errors.New(run.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&commit, "commit", "", "source commit to build (default branch head)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the run to finish")
	return cmd
}

////// creds //////

func newCredsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "creds",
		Short: "Inspect and set the named credentials",
	}

	var local bool
	check := &cobra.Command{
		Use:   "check",
		Short: "Report which required credentials are missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			var (
				report platform.CredentialReport
				err    error
			)
			if local {
				report, err = platform.LocalCredentialReport(ctx)
			} else {
				report, err = platform.NewClient(opts.server).ListCredentials(ctx)
			}
			if err != nil {
				return err
			}
			if err := printCredentialReport(cmd.OutOrStdout(), opts.output, report); err != nil {
				return err
			}
			if !report.Complete {
				return fmt.Errorf("missing credentials: %s", strings.Join(report.Missing, ", "))
			}
			return nil
		},
	}
	check.Flags().BoolVar(&local, "local", false, "check PIPELINE_CRED_* environment variables instead of the service")

	list := &cobra.Command{
		Use:   "list",
		Short: "List credentials with masked values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			report, err := platform.NewClient(opts.server).ListCredentials(ctx)
			if err != nil {
				return err
			}
			return printCredentialReport(cmd.OutOrStdout(), opts.output, report)
		},
	}

	var fromStdin bool
	set := &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a credential (value from the argument or stdin)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := ""
			switch {
			case len(args) == 2:
				value = args[1]
			case fromStdin:
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				value = strings.TrimRight(string(b), "\r\n")
			default:
				return errors.New("value required (argument or --stdin)")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if err := platform.NewClient(opts.server).PutCredential(ctx, args[0], value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", args[0])
			return nil
		},
	}
	set.Flags().BoolVar(&fromStdin, "stdin", false, "read the value from stdin")

	cmd.AddCommand(check, list, set)
	return cmd
}

func printCredentialReport(w io.Writer, output string, report platform.CredentialReport) error {
	if output == "json" {
		return printJSON(w, report)
	}
	for _, info := range report.Credentials {
		preview := info.Preview
		if !info.Present {
			preview = "(missing)"
		}
		fmt.Fprintf(w, "%s %-12s %-20s %s\n", mark(info.Present), info.Name, preview, info.Purpose)
	}
	return nil
}

////// verify //////

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	var (
		local bool
		apps  []string
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Smoke checks: nodes present, applications Synced and Healthy, credentials complete",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*requestTimeout)
			defer cancel()
			var report platform.VerifyReport
			if local {
				cfg, err := platform.LoadConfig(opts.configPath)
				if err != nil {
					return err
				}
				report = platform.VerifyCluster(ctx, cfg, apps)
			} else {
				var err error
				report, err = platform.NewClient(opts.server).Verify(ctx)
				if err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			if opts.output == "json" {
				if err := printJSON(out, report); err != nil {
					return err
				}
			} else {
				for _, check := range report.Checks {
					fmt.Fprintf(out, "%s %-20s %s\n", mark(check.OK), check.Name, check.Message)
				}
			}
			if !report.OK {
				return errors.New("verification failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "check the kubeconfig cluster directly instead of asking the service")
	cmd.Flags().StringSliceVar(&apps, "app", nil, "GitOps application names to check (with --local)")
	return cmd
}

////// bootstrap //////

func newBootstrapCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Cluster provisioning plan and controller installation",
	}

	var accountID string
	plan := &cobra.Command{
		Use:   "plan",
		Short: "Print the ordered provisioning and controller install commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := platform.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), platform.BootstrapPlan(cfg))
			}
			fmt.Fprintln(cmd.OutOrStdout(), platform.RenderBootstrapPlan(cfg, accountID))
			return nil
		},
	}
	plan.Flags().StringVar(&accountID, "account-id", envOr("PIPELINE_CRED_ACCOUNT_ID", ""), "AWS account id substituted into IAM ARNs")

	install := &cobra.Command{
		Use:   "install",
		Short: "Install or upgrade the load balancer controller, Argo CD and kube-prometheus-stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := platform.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			results, err := platform.InstallControllers(ctx, cfg)
			out := cmd.OutOrStdout()
			for _, res := range results {
				fmt.Fprintf(out, "%s %-30s %-8s ns=%s revision=%d %s\n",
					mark(true), res.Release, res.Action, res.Namespace, res.Version, res.Status)
			}
			return err
		},
	}

	cmd.AddCommand(plan, install)
	return cmd
}

////// dashboards //////

func newDashboardsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboards",
		Short: "Grafana dashboards for the cluster",
	}
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import the Kubernetes cluster dashboards into Grafana",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := platform.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*requestTimeout)
			defer cancel()
			results, err := platform.ImportDashboards(ctx, cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.output == "json" {
				return printJSON(out, results)
			}
			for _, res := range results {
				fmt.Fprintf(out, "%s %-6d %s %s\n", mark(res.Imported), res.GrafanaComID, res.Title, res.URL)
			}
			return nil
		},
	}
	cmd.AddCommand(importCmd)
	return cmd
}

////// version //////

func newVersionCmd(version, commit string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gitops-pipeline %s (%s)\n", version, commit)
		},
	}
}
