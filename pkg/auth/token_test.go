package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundtrip(t *testing.T) {
	signer := NewSigner([]byte("test-secret"))

	claims := ServiceClaims{
		TenantID:       "t1",
		ProjectID:      "p1",
		AgentID:        "a1",
		FromSubAgent:   "router",
		TargetSubAgent: "billing",
	}
	raw, err := signer.Sign(claims)
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	got, err := signer.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, claims, *got)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	raw, err := NewSigner([]byte("secret-a")).Sign(ServiceClaims{TenantID: "t1"})
	require.NoError(t, err)

	_, err = NewSigner([]byte("secret-b")).Verify(raw)
	require.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	_, err := NewSigner([]byte("secret")).Verify("not-a-token")
	require.Error(t, err)
}
