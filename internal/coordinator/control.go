package coordinator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/joshp123/ngenic-bridge/internal/apierr"
	"github.com/joshp123/ngenic-bridge/internal/credential"
	"github.com/joshp123/ngenic-bridge/internal/topology"
)

// AwayDuration is how long ActivateAway keeps a gateway away.
const AwayDuration = 60 * 24 * time.Hour

var ErrInvalidWindow = errors.New("coordinator: away window must end after it starts")

// SetTargetTemperature changes the target temperature of the room nodeID
// senses.
func (c *Coordinator) SetTargetTemperature(ctx context.Context, nodeID string, celsius float64) error {
	node, err := c.roomNode(nodeID)
	if err != nil {
		return err
	}
	return c.write(ctx, "set_target_temperature", func(session credential.Session) error {
		return c.api.SetTargetTemperature(ctx, session, node.GatewayID, node.RoomID, celsius)
	})
}

// SetActiveControl decides whether the room nodeID senses takes part in
// controlling its gateway.
func (c *Coordinator) SetActiveControl(ctx context.Context, nodeID string, active bool) error {
	node, err := c.roomNode(nodeID)
	if err != nil {
		return err
	}
	return c.write(ctx, "set_active_control", func(session credential.Session) error {
		return c.api.SetActiveControl(ctx, session, node.GatewayID, node.RoomID, active)
	})
}

// SetAway replaces the away window of a gateway. A zero window clears it.
func (c *Coordinator) SetAway(ctx context.Context, gatewayID string, window topology.AwayWindow) error {
	if window.Scheduled() && !window.End.After(window.Start) {
		return ErrInvalidWindow
	}
	if _, ok := c.current().Gateway(gatewayID); !ok {
		return &apierr.NotFoundError{Resource: "gateway " + gatewayID}
	}
	return c.write(ctx, "set_away", func(session credential.Session) error {
		return c.api.SetAway(ctx, session, gatewayID, window)
	})
}

// ActivateAway makes a gateway away from the current minute for
// AwayDuration.
func (c *Coordinator) ActivateAway(ctx context.Context, gatewayID string) error {
	start := c.now().UTC().Truncate(time.Minute)
	return c.SetAway(ctx, gatewayID, topology.AwayWindow{Start: start, End: start.Add(AwayDuration)})
}

func (c *Coordinator) DeactivateAway(ctx context.Context, gatewayID string) error {
	return c.SetAway(ctx, gatewayID, topology.AwayWindow{})
}

func (c *Coordinator) roomNode(nodeID string) (topology.Node, error) {
	node, ok := c.current().Node(nodeID)
	if !ok {
		return topology.Node{}, &apierr.NotFoundError{Resource: "node " + nodeID}
	}
	if node.RoomID == "" {
		return topology.Node{}, &apierr.NotFoundError{Resource: "room of node " + nodeID}
	}
	return node, nil
}

// write sends one change with the current session and then refreshes so the
// snapshot shows it. A rejected credential fails the coordinator like a
// refresh would; other errors leave the state alone.
func (c *Coordinator) write(ctx context.Context, op string, send func(credential.Session) error) error {
	c.mu.Lock()
	switch c.state {
	case StateReady, StateDegraded, StateRefreshing:
	default:
		c.mu.Unlock()
		return ErrNotRunning
	}
	gen := c.gen
	session := c.session
	c.mu.Unlock()

	err := send(session)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if err != nil {
			return err
		}
		return ErrNotRunning
	}
	if err != nil {
		if apierr.IsAuth(err) {
			c.lastErr = err
			// An in-flight refresh must not commit over Failed.
			c.gen++
			ev := c.failLocked(err)
			c.mu.Unlock()
			writesTotal.WithLabelValues(op, "auth").Inc()
			c.logger.Error("credential rejected during write", zap.String("op", op), zap.Error(err))
			c.emitStatus(ev)
			return err
		}
		c.mu.Unlock()
		writesTotal.WithLabelValues(op, "error").Inc()
		c.logger.Warn("write failed", zap.String("op", op), zap.Error(err))
		return err
	}
	c.writes++
	c.mu.Unlock()

	writesTotal.WithLabelValues(op, "success").Inc()
	c.logger.Info("write applied", zap.String("op", op))

	if err := c.refresh(ctx, gen); err != nil {
		c.logger.Debug("refresh after write deferred", zap.String("op", op), zap.Error(err))
	}
	return nil
}
