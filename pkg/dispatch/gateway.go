package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CommandStore persists queued commands.
type CommandStore interface {
	DeviceOnline(ctx context.Context, deviceID string) (bool, error)
	CreateCommand(ctx context.Context, cmd *Command) error
	// GetCommand returns an error wrapping ErrCommandNotFound when absent.
	GetCommand(ctx context.Context, id string) (*Command, error)
}

// QueueGateway queues commands in a CommandStore for agents to pull.
type QueueGateway struct {
	store  CommandStore
	logger *zap.Logger
}

// NewQueueGateway returns a gateway over store.
func NewQueueGateway(store CommandStore, logger *zap.Logger) *QueueGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueGateway{store: store, logger: logger}
}

// Dispatch implements Gateway.
func (g *QueueGateway) Dispatch(ctx context.Context, deviceID string, typ CommandType, payload any) (string, error) {
	if strings.TrimSpace(deviceID) == "" {
		return "", errors.New("device id is required")
	}

	online, err := g.store.DeviceOnline(ctx, deviceID)
	if err != nil {
		return "", fmt.Errorf("check device status: %w", err)
	}
	if !online {
		return "", fmt.Errorf("device %s: %w", deviceID, ErrDeviceOffline)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", typ, err)
	}

	cmd := &Command{
		ID:       uuid.New().String(),
		DeviceID: deviceID,
		Type:     typ,
		Payload:  body,
		Status:   StatusPending,
	}
	if err := g.store.CreateCommand(ctx, cmd); err != nil {
		return "", fmt.Errorf("queue command: %w", err)
	}

	g.logger.Debug("command queued",
		zap.String("command_id", cmd.ID),
		zap.String("device_id", deviceID),
		zap.String("type", string(typ)),
	)
	return cmd.ID, nil
}

// Poll implements Gateway.
func (g *QueueGateway) Poll(ctx context.Context, commandID string) (*Command, error) {
	return g.store.GetCommand(ctx, commandID)
}
