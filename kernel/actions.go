// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/kbroker/kbroker/lib/kernelinfo"
	"github.com/kbroker/kbroker/lib/service"
)

// Management socket actions served by RegisterActions.
const (
	ActionCreateKernel    = "create-kernel"
	ActionListKernels     = "list-kernels"
	ActionInterruptKernel = "interrupt-kernel"
	ActionTerminateKernel = "terminate-kernel"
	ActionRestartKernel   = "restart-kernel"
	ActionTerminateAll    = "terminate-all"
)

// CreateRequest is the body of create-kernel.
type CreateRequest struct {
	Info kernelinfo.Info `cbor:"info"`
	Name string          `cbor:"name,omitempty"`
}

// CreateResponse is the result of create-kernel.
type CreateResponse struct {
	ID   Handle `cbor:"id"`
	Port int    `cbor:"port"`
}

// KernelRequest addresses one kernel. Argument is only read by
// restart-kernel and has the RESTART command's meaning.
type KernelRequest struct {
	ID       Handle `cbor:"id"`
	Argument string `cbor:"argument,omitempty"`
}

// ErrUnknownKernel is returned for a handle the manager does not hold.
var ErrUnknownKernel = errors.New("kernel: unknown kernel")

// RegisterActions serves the manager's operations on server.
func (m *Manager) RegisterActions(server *service.SocketServer) {
	server.Handle(ActionCreateKernel, func(_ context.Context, raw []byte) (any, error) {
		var request CreateRequest
		if err := service.Decode(raw, &request); err != nil {
			return nil, err
		}
		id, port, err := m.CreateKernel(request.Info, request.Name)
		if err != nil {
			return nil, err
		}
		return CreateResponse{ID: id, Port: port}, nil
	})

	server.Handle(ActionListKernels, func(context.Context, []byte) (any, error) {
		return m.KernelList(), nil
	})

	server.Handle(ActionInterruptKernel, m.brokerAction(func(b *Broker, _ KernelRequest) error {
		return b.Interrupt()
	}))
	server.Handle(ActionTerminateKernel, m.brokerAction(func(b *Broker, _ KernelRequest) error {
		return b.Terminate("by user")
	}))
	server.Handle(ActionRestartKernel, m.brokerAction(func(b *Broker, request KernelRequest) error {
		return b.Restart(request.Argument)
	}))

	server.Handle(ActionTerminateAll, func(ctx context.Context, _ []byte) (any, error) {
		m.TerminateAll(ctx)
		return nil, nil
	})
}

func (m *Manager) brokerAction(action func(*Broker, KernelRequest) error) service.ActionFunc {
	return func(_ context.Context, raw []byte) (any, error) {
		var request KernelRequest
		if err := service.Decode(raw, &request); err != nil {
			return nil, err
		}
		broker, ok := m.Broker(request.ID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKernel, request.ID)
		}
		return nil, action(broker, request)
	}
}
