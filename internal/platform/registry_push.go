package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

////////////////////////////////////////////////////////////////////////////////
// Container registry: ECR reference + auth + push
////////////////////////////////////////////////////////////////////////////////

const ecrBasicAuthUser = "AWS"

// imageRefForTier is <Account_ID>.dkr.ecr.<region>.amazonaws.com/<repo>:<tag>.
func imageRefForTier(cfg Config, accountID, repository, tag string) string {
	return fmt.Sprintf("%s/%s:%s", cfg.registryHost(accountID), strings.Trim(strings.TrimSpace(repository), "/"), strings.TrimSpace(tag))
}

type registryAuthResolver struct {
	cfg   Config
	tools toolRunner
	creds credentialSource
}

// resolve picks static credentials from config first, then an ECR login
// password minted with aws-creds, then the local docker keychain.
func (r registryAuthResolver) resolve(ctx context.Context, registryHost string) (authn.Authenticator, string, error) {
	if r.cfg.RegistryUser != "" || r.cfg.RegistryPass != "" {
		return &authn.Basic{Username: r.cfg.RegistryUser, Password: r.cfg.RegistryPass}, "config", nil
	}
	raw, err := r.creds.GetCredential(ctx, credAWS)
	switch {
	case err == nil:
		aws, parseErr := parseAWSCredentials(raw)
		if parseErr != nil {
			return nil, "", parseErr
		}
		password, loginErr := r.ecrLoginPassword(ctx, aws)
		if loginErr != nil {
			return nil, "", loginErr
		}
		return &authn.Basic{Username: ecrBasicAuthUser, Password: password}, credAWS, nil
	case !errors.Is(err, ErrCredentialMissing):
		return nil, "", err
	}
	reg, err := name.NewRegistry(registryHost, name.WeakValidation)
	if err != nil {
		return nil, "", fmt.Errorf("parse registry %s: %w", registryHost, err)
	}
	auth, err := authn.DefaultKeychain.Resolve(reg)
	if err != nil {
		return nil, "", fmt.Errorf("resolve registry auth for %s: %w", registryHost, err)
	}
	return auth, "keychain", nil
}

func (r registryAuthResolver) ecrLoginPassword(ctx context.Context, aws awsCredentials) (string, error) {
	outcome, err := r.tools.Run(ctx, toolInvocation{
		Name: defaultString(r.cfg.AWSCLIBin, defaultAWSCLIBin),
		Args: []string{"ecr", "get-login-password", "--region", r.cfg.AWSRegion},
		Dir:  "",
		Env:  aws.env(r.cfg.AWSRegion),
	})
	if err != nil {
		return "", fmt.Errorf("ecr login: %w", err)
	}
	if outcome.failed() {
		return "", fmt.Errorf("ecr login: exit %d: %s", outcome.ExitCode, outcome.summary())
	}
	password := strings.TrimSpace(string(outcome.Stdout))
	if password == "" {
		return "", errors.New("ecr login: empty password")
	}
	return password, nil
}

// pushImageTarball pushes the docker-archive at tarPath to ref and returns the
// pushed digest.
func pushImageTarball(ctx context.Context, tarPath, ref string, auth authn.Authenticator) (string, error) {
	tag, err := name.NewTag(ref, name.WeakValidation)
	if err != nil {
		return "", fmt.Errorf("parse reference %s: %w", ref, err)
	}
	img, err := tarball.ImageFromPath(tarPath, &tag)
	if err != nil {
		return "", fmt.Errorf("load image tarball: %w", err)
	}
	opts := []remote.Option{remote.WithContext(ctx)}
	if auth != nil {
		opts = append(opts, remote.WithAuth(auth))
	}
	if err := remote.Write(tag, img, opts...); err != nil {
		return "", fmt.Errorf("push %s: %w", ref, err)
	}
	digest, err := img.Digest()
	if err != nil {
		return "", err
	}
	return digest.String(), nil
}
