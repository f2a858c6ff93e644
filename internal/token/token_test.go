package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantage6/vantage6-sub005/types"
)

func testConfig() Config {
	return Config{
		Secret:   "unit-test-secret",
		Issuer:   "vantage6-server",
		Audience: "vantage6",
		TTL:      time.Hour,
	}
}

func TestIssueParseRoundTrip(t *testing.T) {
	cfg := testConfig()

	signed, err := Issue(cfg, Identity{
		OrganizationID:  3,
		CollaborationID: 7,
		NodeID:          11,
	})
	require.NoError(t, err)

	id, err := Parse(cfg, signed)
	require.NoError(t, err)
	assert.Equal(t, uint(3), id.OrganizationID)
	assert.Equal(t, uint(7), id.CollaborationID)
	assert.Equal(t, uint(11), id.NodeID)
	assert.Zero(t, id.UserID)
}

func TestUserTokenHasNoNodeID(t *testing.T) {
	cfg := testConfig()

	signed, err := Issue(cfg, Identity{OrganizationID: 3, UserID: 42})
	require.NoError(t, err)

	id, err := Parse(cfg, signed)
	require.NoError(t, err)
	assert.Equal(t, uint(42), id.UserID)
	assert.Zero(t, id.NodeID)
	assert.Zero(t, id.CollaborationID)
}

func TestParseRejectsWrongSecret(t *testing.T) {
	signed, err := Issue(testConfig(), Identity{OrganizationID: 3})
	require.NoError(t, err)

	bad := testConfig()
	bad.Secret = "different"
	_, err = Parse(bad, signed)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAuthentication))
}

func TestParseRejectsExpired(t *testing.T) {
	cfg := testConfig()
	cfg.TTL = -time.Minute

	signed, err := Issue(cfg, Identity{OrganizationID: 3})
	require.NoError(t, err)

	_, err = Parse(cfg, signed)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAuthentication))
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse(testConfig(), "not.a.token")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAuthentication))
}

func TestParseRequiresOrganization(t *testing.T) {
	signed, err := Issue(testConfig(), Identity{})
	require.NoError(t, err)

	_, err = Parse(testConfig(), signed)
	require.Error(t, err)
}
