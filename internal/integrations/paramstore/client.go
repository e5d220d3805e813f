// Package paramstore reads configuration overrides from AWS SSM Parameter
// Store.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParametersByPath(ctx context.Context, in *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
}

// Client wraps an AWS SSM API for parameter retrieval.
type Client struct {
	api ssmAPI
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

// Values returns every decrypted parameter directly under prefix, keyed as an
// environment variable: "/qa-chat/qa-base-url" becomes "QA_BASE_URL".
func (c *Client) Values(ctx context.Context, prefix string) (map[string]string, error) {
	if c.api == nil {
		return nil, errors.New("paramstore: client not initialized")
	}
	prefix = "/" + strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "/" {
		return nil, errors.New("paramstore: prefix is required")
	}

	out := make(map[string]string)
	p := ssm.NewGetParametersByPathPaginator(c.api, &ssm.GetParametersByPathInput{
		Path:           aws.String(prefix),
		WithDecryption: aws.Bool(true),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("paramstore: get parameters under %q: %w", prefix, err)
		}
		for _, param := range page.Parameters {
			if param.Name == nil || param.Value == nil {
				continue
			}
			key := EnvKey(strings.TrimPrefix(*param.Name, prefix+"/"))
			if key == "" {
				continue
			}
			out[key] = *param.Value
		}
	}
	return out, nil
}

// EnvKey converts a parameter name segment to its environment variable form.
func EnvKey(name string) string {
	name = strings.Trim(strings.TrimSpace(name), "/")
	if name == "" || strings.Contains(name, "/") {
		return ""
	}
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}
