// Package auth signs and verifies the service tokens that authenticate
// same-deployment delegation calls.
package auth

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	issuer   = "agents-runtime"
	tokenTTL = 5 * time.Minute
)

// ServiceClaims scope a delegation token to one hop.
type ServiceClaims struct {
	TenantID       string
	ProjectID      string
	AgentID        string
	FromSubAgent   string
	TargetSubAgent string
}

// Signer issues and verifies HS256 service tokens.
type Signer struct {
	secret []byte
}

func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign issues a short-lived token for one delegation hop.
func (s *Signer) Sign(claims ServiceClaims) (string, error) {
	now := time.Now()
	token, err := jwt.NewBuilder().
		Issuer(issuer).
		IssuedAt(now).
		Expiration(now.Add(tokenTTL)).
		Claim("tenant_id", claims.TenantID).
		Claim("project_id", claims.ProjectID).
		Claim("agent_id", claims.AgentID).
		Claim("from_sub_agent", claims.FromSubAgent).
		Claim("target_sub_agent", claims.TargetSubAgent).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build service token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign service token: %w", err)
	}
	return string(signed), nil
}

// Verify validates the token signature and expiry and returns its claims.
func (s *Signer) Verify(raw string) (*ServiceClaims, error) {
	token, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithIssuer(issuer),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid service token: %w", err)
	}

	claims := &ServiceClaims{}
	for key, dst := range map[string]*string{
		"tenant_id":        &claims.TenantID,
		"project_id":       &claims.ProjectID,
		"agent_id":         &claims.AgentID,
		"from_sub_agent":   &claims.FromSubAgent,
		"target_sub_agent": &claims.TargetSubAgent,
	} {
		if v, ok := token.Get(key); ok {
			if str, ok := v.(string); ok {
				*dst = str
			}
		}
	}
	return claims, nil
}
