// Package secrets resolves credential references from configuration.
//
// A reference is one of
//
//	file:/path/to/secret
//	env:VARIABLE_NAME
//	awssm:secret-name-or-arn
//
// Anything without one of these prefixes is returned as is.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/breez/data-mirror/retry"
)

var (
	ErrNotFound = errors.New("secret not found")
	ErrEmpty    = errors.New("secret is empty")
)

// ManagerAPI is the part of the AWS Secrets Manager client used here.
type ManagerAPI interface {
	GetSecretValue(
		ctx context.Context,
		params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)
}

type Resolver struct {
	mu      sync.Mutex
	manager ManagerAPI
	region  string
	getenv  func(string) string
}

// NewResolver returns a resolver. When manager is nil the AWS client is
// created from the default credential chain on first use of an awssm:
// reference.
func NewResolver(manager ManagerAPI, region string) *Resolver {
	return &Resolver{manager: manager, region: region, getenv: os.Getenv}
}

// Resolve returns the secret value a reference points to. Missing secrets
// are fatal: retrying cannot fix a configuration error.
func (r *Resolver) Resolve(ctx context.Context, ref string) ([]byte, error) {
	scheme, name, ok := strings.Cut(ref, ":")
	if !ok {
		return r.nonEmpty(ref, []byte(ref))
	}
	switch scheme {
	case "file":
		data, err := os.ReadFile(name)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, retry.MarkFatal(fmt.Errorf("%w: %v", ErrNotFound, ref))
			}
			return nil, retry.MarkFatal(fmt.Errorf("failed to read secret file %v: %w", name, err))
		}
		return r.nonEmpty(ref, []byte(strings.TrimRight(string(data), "\r\n")))
	case "env":
		value := r.getenv(name)
		if value == "" {
			return nil, retry.MarkFatal(fmt.Errorf("%w: %v", ErrNotFound, ref))
		}
		return []byte(value), nil
	case "awssm":
		return r.fromManager(ctx, ref, name)
	default:
		return r.nonEmpty(ref, []byte(ref))
	}
}

// ResolveString is Resolve for text secrets. An empty reference resolves to
// an empty string.
func (r *Resolver) ResolveString(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	value, err := r.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	return string(value), nil
}

func (r *Resolver) nonEmpty(ref string, value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, retry.MarkFatal(fmt.Errorf("%w: %v", ErrEmpty, ref))
	}
	return value, nil
}

func (r *Resolver) client(ctx context.Context) (ManagerAPI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.manager != nil {
		return r.manager, nil
	}
	var opts []func(*config.LoadOptions) error
	if r.region != "" {
		opts = append(opts, config.WithRegion(r.region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, retry.MarkFatal(fmt.Errorf("failed to load AWS configuration: %w", err))
	}
	r.manager = secretsmanager.NewFromConfig(cfg)
	return r.manager, nil
}

func (r *Resolver) fromManager(ctx context.Context, ref, name string) ([]byte, error) {
	manager, err := r.client(ctx)
	if err != nil {
		return nil, err
	}
	out, err := manager.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(name)})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, retry.MarkFatal(fmt.Errorf("%w: %v", ErrNotFound, ref))
		}
		var badRequest *types.InvalidRequestException
		if errors.As(err, &badRequest) {
			return nil, retry.MarkFatal(fmt.Errorf("failed to get secret %v: %w", name, err))
		}
		return nil, retry.MarkTransient(fmt.Errorf("failed to get secret %v: %w", name, err))
	}
	switch {
	case out.SecretString != nil:
		return r.nonEmpty(ref, []byte(*out.SecretString))
	case out.SecretBinary != nil:
		return r.nonEmpty(ref, out.SecretBinary)
	}
	return nil, retry.MarkFatal(fmt.Errorf("%w: %v", ErrEmpty, ref))
}
