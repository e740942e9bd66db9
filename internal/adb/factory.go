// SPDX-License-Identifier: MIT

package adb

import (
	"context"
	"fmt"
	"time"

	"github.com/tapgrid/tapgrid/internal/device"
	"github.com/tapgrid/tapgrid/internal/session"
)

// Factory opens driver connections: adb forwards from the allocated host
// ports to the agent's command and stream ports, then the agent
// handshake. It implements session.Factory.
type Factory struct {
	transport *Transport

	// DevicePort is the agent command port on the device. Zero means
	// AgentPort.
	DevicePort int

	// DeviceStreamPort is the agent screenshot-stream port on the
	// device. Zero means AgentStreamPort.
	DeviceStreamPort int
}

// NewFactory creates a factory over the given transport.
func NewFactory(t *Transport) *Factory {
	return &Factory{transport: t, DevicePort: AgentPort, DeviceStreamPort: AgentStreamPort}
}

// Open implements session.Factory. Failures before the handshake map to
// ErrDeviceUnavailable; a failing handshake surfaces ErrDriverRefused
// from the agent client.
func (f *Factory) Open(ctx context.Context, id device.ID, driverPort, streamPort int) (session.Conn, error) {
	devicePort := f.DevicePort
	if devicePort <= 0 {
		devicePort = AgentPort
	}
	deviceStreamPort := f.DeviceStreamPort
	if deviceStreamPort <= 0 {
		deviceStreamPort = AgentStreamPort
	}

	if err := f.transport.Forward(ctx, id, driverPort, devicePort); err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrDeviceUnavailable, err)
	}
	if err := f.transport.Forward(ctx, id, streamPort, deviceStreamPort); err != nil {
		_ = f.transport.RemoveForward(ctx, id, driverPort)
		return nil, fmt.Errorf("%w: %v", device.ErrDeviceUnavailable, err)
	}

	agent := NewAgent(fmt.Sprintf("http://127.0.0.1:%d", driverPort))
	if err := agent.Status(ctx); err != nil {
		_ = f.transport.RemoveForward(ctx, id, driverPort)
		_ = f.transport.RemoveForward(ctx, id, streamPort)
		return nil, err
	}

	return &conn{Agent: agent, transport: f.transport, id: id, ports: []int{driverPort, streamPort}}, nil
}

// conn is one pair of live forwards plus the agent client. Close drops
// the forwards; the agent keeps running on the device.
type conn struct {
	*Agent
	transport *Transport
	id        device.ID
	ports     []int
}

func (c *conn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var firstErr error
	for _, p := range c.ports {
		if err := c.transport.RemoveForward(ctx, c.id, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
