package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/breez/data-mirror/retry"
	"github.com/stretchr/testify/require"
)

type fakeManager struct {
	requested []string
	values    map[string]*secretsmanager.GetSecretValueOutput
	err       error
}

func (m *fakeManager) GetSecretValue(
	ctx context.Context,
	params *secretsmanager.GetSecretValueInput,
	optFns ...func(*secretsmanager.Options),
) (*secretsmanager.GetSecretValueOutput, error) {
	m.requested = append(m.requested, aws.ToString(params.SecretId))
	if m.err != nil {
		return nil, m.err
	}
	out, ok := m.values[aws.ToString(params.SecretId)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("no such secret")}
	}
	return out, nil
}

func TestResolveFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("c0ffee\n"), 0o600))

	r := NewResolver(&fakeManager{}, "")
	value, err := r.Resolve(context.Background(), "file:"+path)
	require.NoError(t, err)
	require.Equal(t, "c0ffee", string(value))

	_, err = r.Resolve(context.Background(), "file:"+filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, ErrNotFound)
	require.True(t, retry.IsFatal(err))

	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0o600))
	_, err = r.Resolve(context.Background(), "file:"+empty)
	require.ErrorIs(t, err, ErrEmpty)
}

func TestResolveEnv(t *testing.T) {
	r := NewResolver(&fakeManager{}, "")
	r.getenv = func(name string) string {
		if name == "MIRROR_API_KEY" {
			return "secret-key"
		}
		return ""
	}
	value, err := r.ResolveString(context.Background(), "env:MIRROR_API_KEY")
	require.NoError(t, err)
	require.Equal(t, "secret-key", value)

	_, err = r.Resolve(context.Background(), "env:UNSET")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveSecretsManager(t *testing.T) {
	manager := &fakeManager{values: map[string]*secretsmanager.GetSecretValueOutput{
		"mirror/google":  {SecretString: aws.String(`{"type":"service_account"}`)},
		"mirror/binary":  {SecretBinary: []byte{1, 2, 3}},
		"mirror/nothing": {},
	}}
	r := NewResolver(manager, "eu-west-1")

	value, err := r.Resolve(context.Background(), "awssm:mirror/google")
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"service_account"}`, string(value))

	value, err = r.Resolve(context.Background(), "awssm:mirror/binary")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, value)

	_, err = r.Resolve(context.Background(), "awssm:mirror/nothing")
	require.ErrorIs(t, err, ErrEmpty)

	_, err = r.Resolve(context.Background(), "awssm:mirror/missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.True(t, retry.IsFatal(err))

	require.Equal(t, []string{"mirror/google", "mirror/binary", "mirror/nothing", "mirror/missing"}, manager.requested)
}

func TestSecretsManagerOutageIsTransient(t *testing.T) {
	r := NewResolver(&fakeManager{err: errors.New("connection reset")}, "")
	_, err := r.Resolve(context.Background(), "awssm:mirror/google")
	require.Error(t, err)
	require.True(t, retry.IsTransient(err))
}

func TestLiteralValues(t *testing.T) {
	r := NewResolver(&fakeManager{}, "")
	value, err := r.ResolveString(context.Background(), "plain-value")
	require.NoError(t, err)
	require.Equal(t, "plain-value", value)

	value, err = r.ResolveString(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, value)
}
