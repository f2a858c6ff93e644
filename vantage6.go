// Package vantage6 provides a top-level convenience entry point for talking
// to a coordination server with minimal boilerplate.
//
// Usage:
//
//	import "github.com/vantage6/vantage6-sub005"
//
//	c, err := vantage6.Connect("https://server.example.org", token, "private_key.pem")
//	results, err := c.Run(ctx, req, retry.DefaultPolicy())
//
// This is a thin wrapper around [client.New]; use the client package directly
// when you need a custom crypto provider, logger, or HTTP client.
package vantage6

import (
	"go.uber.org/zap"

	"github.com/vantage6/vantage6-sub005/client"
	"github.com/vantage6/vantage6-sub005/crypto"
)

// Connect creates a client that decrypts results with the RSA private key at
// keyPath. The key is generated there on first use.
func Connect(baseURL, token, keyPath string) (*client.Client, error) {
	provider, err := crypto.New(crypto.KindRSA, keyPath)
	if err != nil {
		return nil, err
	}
	return client.New(baseURL, token, provider, zap.NewNop()), nil
}

// ConnectPlaintext creates a client for unencrypted collaborations. Results
// arrive as-is; no key material is needed.
func ConnectPlaintext(baseURL, token string) *client.Client {
	return client.New(baseURL, token, crypto.NopProvider{}, zap.NewNop())
}
