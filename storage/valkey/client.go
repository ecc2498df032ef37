package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/idp-oauth/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}
	if err := validateIDs(client.TenantID, client.ClientID); err != nil {
		return err
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := s.clientKey(client.TenantID, client.ClientID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "tenant_id", client.TenantID, "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by tenant and ID
func (s *Store) GetClient(ctx context.Context, tenantID, clientID string) (*storage.Client, error) {
	if err := validateIDs(tenantID, clientID); err != nil {
		return nil, storage.ErrClientNotFound
	}
	client, err := getAndUnmarshal(ctx, s, s.clientKey(tenantID, clientID), storage.ErrClientNotFound, fromClientJSON)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return client, nil
}

// UpdateClientSecret replaces a client's secret hash. Concurrent rotations of
// the same client resolve to the last writer.
func (s *Store) UpdateClientSecret(ctx context.Context, tenantID, clientID, secretHash string, rotatedAt time.Time) error {
	client, err := s.GetClient(ctx, tenantID, clientID)
	if err != nil {
		return err
	}
	client.ClientSecretHash = secretHash
	client.SecretRotatedAt = rotatedAt
	return s.SaveClient(ctx, client)
}
