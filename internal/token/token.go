// Package token issues and verifies the HS256 bearer tokens used by both
// users and node agents. Node tokens carry the node's resolved identity so
// run-ownership checks never trust client-supplied organization ids.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vantage6/vantage6-sub005/types"
)

// Config describes signing and verification.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
}

// Identity is the authenticated principal carried by a token. NodeID is zero
// for user tokens.
type Identity struct {
	OrganizationID  uint
	CollaborationID uint
	NodeID          uint
	UserID          uint
}

// Issue signs a token for the given identity.
func Issue(cfg Config, id Identity) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iat":    now.Unix(),
		"exp":    now.Add(cfg.TTL).Unix(),
		"org_id": id.OrganizationID,
	}
	if cfg.Issuer != "" {
		claims["iss"] = cfg.Issuer
	}
	if cfg.Audience != "" {
		claims["aud"] = cfg.Audience
	}
	if id.CollaborationID != 0 {
		claims["collab_id"] = id.CollaborationID
	}
	if id.NodeID != 0 {
		claims["node_id"] = id.NodeID
	}
	if id.UserID != 0 {
		claims["user_id"] = id.UserID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies a token and extracts its identity.
func Parse(cfg Config, tokenStr string) (*Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	parsed, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, types.NewError(types.ErrAuthentication, "invalid or expired token").WithCause(err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, types.NewError(types.ErrAuthentication, "invalid token claims")
	}

	id := &Identity{
		OrganizationID:  claimUint(claims, "org_id"),
		CollaborationID: claimUint(claims, "collab_id"),
		NodeID:          claimUint(claims, "node_id"),
		UserID:          claimUint(claims, "user_id"),
	}
	if id.OrganizationID == 0 {
		return nil, types.NewError(types.ErrAuthentication, "token carries no organization")
	}
	return id, nil
}

// claimUint reads a numeric claim; JSON numbers arrive as float64.
func claimUint(claims jwt.MapClaims, key string) uint {
	switch v := claims[key].(type) {
	case float64:
		return uint(v)
	case int64:
		return uint(v)
	case uint:
		return v
	default:
		return 0
	}
}
