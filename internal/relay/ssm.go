package relay

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/xerrors"
)

// ParameterGetter is the part of the SSM client ResolveURL needs.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// NewSSMClient builds an SSM client from the default AWS credential chain.
func NewSSMClient(ctx context.Context) (*ssm.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "load AWS config")
	}
	return ssm.NewFromConfig(awsCfg), nil
}

// ResolveURL reads the relay URL from the named SSM parameter, decrypting
// SecureString values, and validates it.
func ResolveURL(ctx context.Context, api ParameterGetter, name string) (string, error) {
	if name == "" {
		return "", xerrors.New("ssm parameter name is required")
	}
	out, err := api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}

	u := strings.TrimSpace(*out.Parameter.Value)
	if err := ValidateURL(u); err != nil {
		return "", xerrors.Wrapf(err, "SSM parameter %s", name)
	}
	return u, nil
}
