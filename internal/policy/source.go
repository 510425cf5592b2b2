package policy

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/ratelimitd/internal/xerrors"
)

// SSMAPI is the subset of *ssm.Client the source calls
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, opts ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMSource reads the policy document from one parameter
type SSMSource struct {
	client SSMAPI
	param  string
}

func NewSSMSource(client SSMAPI, param string) (*SSMSource, error) {
	if client == nil {
		return nil, xerrors.New("ssm client is required")
	}
	if param == "" {
		return nil, xerrors.New("ssm parameter name is required")
	}
	return &SSMSource{client: client, param: param}, nil
}

func (s *SSMSource) Param() string { return s.param }

// FetchRaw returns the trimmed parameter value
func (s *SSMSource) FetchRaw(ctx context.Context) (string, error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", s.param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", s.param)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", s.param)
	}
	return v, nil
}
