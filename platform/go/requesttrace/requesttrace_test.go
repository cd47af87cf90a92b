package requesttrace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIntoContextAndFromContext(t *testing.T) {
	audit := AuditInfo{ActorKind: ActorKindService, Actor: "identity", RequestID: "req-abc"}

	ctx := IntoContext(context.Background(), audit)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, audit, got)
}

func TestFromContextMissing(t *testing.T) {
	_, ok := FromContext(context.Background())
	require.False(t, ok)
	require.Equal(t, ActorKindSystem, FromContextOrSystem(context.Background()).ActorKind)
}

func TestFromService(t *testing.T) {
	audit, err := FromService(" identity ", "req-xyz")
	require.NoError(t, err)
	require.Equal(t, ActorKindService, audit.ActorKind)
	require.Equal(t, "identity", audit.Actor)
	require.Equal(t, "req-xyz", audit.RequestID)

	_, err = FromService("", "req-1")
	require.Error(t, err)
}

func TestHeaders(t *testing.T) {
	require.Equal(t, map[string]string{"actor_kind": "system"}, System("").Headers())
	require.Equal(t, map[string]string{
		"actor_kind": "operator",
		"actor":      "ops@example.com",
	}, Operator("ops@example.com").Headers())
	require.Equal(t, map[string]string{
		"actor_kind": "anonymous",
		"request_id": "req-anon",
	}, Anonymous("req-anon").Headers())
}
