// Package testutil provides shared fixtures for package tests: an in-memory
// store and a seeded collaboration with keyed organizations and registered
// nodes.
package testutil

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vantage6/vantage6-sub005/crypto"
	"github.com/vantage6/vantage6-sub005/internal/database"
	"github.com/vantage6/vantage6-sub005/store"
)

// NewStore opens a fresh in-memory sqlite store with the full schema.
func NewStore(t *testing.T) *store.Store {
	t.Helper()

	db, err := database.Open(database.Config{Driver: database.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)

	st := store.New(db, zap.NewNop())
	require.NoError(t, st.Migrate())
	return st
}

// GenerateKey returns a throwaway RSA key. 1024 bits keeps tests fast; never
// use this size outside tests.
func GenerateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	return key
}

// Fixture is a seeded collaboration: organizations (each with a key pair),
// one registered node per organization.
type Fixture struct {
	Collaboration *store.Collaboration
	Organizations []*store.Organization
	Nodes         []*store.Node
	Keys          []*rsa.PrivateKey
}

// SeedCollaboration creates n organizations with public keys, a
// collaboration containing all of them, and one node per organization.
func SeedCollaboration(t *testing.T, st *store.Store, n int, encrypted bool) *Fixture {
	t.Helper()
	ctx := context.Background()

	fixture := &Fixture{}
	memberIDs := make([]uint, 0, n)

	for i := 0; i < n; i++ {
		key := GenerateKey(t)
		pub, err := crypto.MarshalPublicKey(&key.PublicKey)
		require.NoError(t, err)

		org := &store.Organization{
			Name:      fmt.Sprintf("org-%d", i+1),
			PublicKey: pub,
		}
		require.NoError(t, st.CreateOrganization(ctx, org))

		fixture.Keys = append(fixture.Keys, key)
		fixture.Organizations = append(fixture.Organizations, org)
		memberIDs = append(memberIDs, org.ID)
	}

	collab := &store.Collaboration{Name: "test-collab", Encrypted: encrypted}
	require.NoError(t, st.CreateCollaboration(ctx, collab, memberIDs))
	fixture.Collaboration = collab

	for i, org := range fixture.Organizations {
		node := &store.Node{
			Name:            fmt.Sprintf("node-%d", i+1),
			OrganizationID:  org.ID,
			CollaborationID: collab.ID,
			APIKey:          fmt.Sprintf("test-api-key-%d", i+1),
			Status:          store.NodeOffline,
		}
		require.NoError(t, st.RegisterNode(ctx, node))
		fixture.Nodes = append(fixture.Nodes, node)
	}
	return fixture
}
