// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Dynamic port range assigned by IANA for private and ephemeral use.
const (
	DynamicPortBase  = 49152
	dynamicPortRange = 1 << 14
)

// PortHash maps a name deterministically onto the dynamic port range
// [49152, 65535]. Brokers and kernels agree on a port by name without
// coordinating, and different names spread across the range.
func PortHash(name string) int {
	// The accumulator grows without bound and the shift feeds high
	// bits back into the low ones, so fixed-width arithmetic would
	// give different ports for long names.
	factor := big.NewInt(0xD2D84A61)
	value := new(big.Int)
	step := func(n int64) {
		shifted := new(big.Int).Rsh(value, 3)
		product := new(big.Int).Mul(big.NewInt(n), factor)
		value.Add(value, shifted.Add(shifted, product))
	}
	for _, r := range name {
		step(int64(r))
	}
	step(int64(len([]rune(name))))
	remainder := new(big.Int).Mod(value, big.NewInt(dynamicPortRange))
	return DynamicPortBase + int(remainder.Int64())
}

// Address is a parsed "host:port" endpoint.
type Address struct {
	Host string
	Port int
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// WithPort returns a copy of a with a different port.
func (a Address) WithPort(port int) Address {
	a.Port = port
	return a
}

// ParseAddress parses "host:port", optionally prefixed with "tcp://".
// The port is an integer, a name hashed with PortHash, or
// "name+offset". The host "localhost" is mapped to 127.0.0.1 so the
// listener never binds an IPv6-only loopback the kernel cannot reach.
func ParseAddress(address string) (Address, error) {
	rest := address
	if protocol, stripped, found := strings.Cut(address, "://"); found {
		if strings.ToLower(protocol) != "tcp" {
			return Address{}, fmt.Errorf("address %q: unsupported protocol %q", address, protocol)
		}
		rest = stripped
	}
	host, portText, found := strings.Cut(rest, ":")
	if !found {
		return Address{}, fmt.Errorf("address %q: expected host:port", address)
	}
	if strings.EqualFold(host, "localhost") {
		host = "127.0.0.1"
	}

	port, err := strconv.Atoi(portText)
	if err != nil {
		name, offsetText, hasOffset := strings.Cut(portText, "+")
		offset := 0
		if hasOffset {
			offset, err = strconv.Atoi(offsetText)
			if err != nil {
				return Address{}, fmt.Errorf("address %q: invalid port offset %q", address, offsetText)
			}
		}
		port = PortHash(name) + offset
	}
	if port < 0 || port > 1<<16-1 {
		return Address{}, fmt.Errorf("address %q: port %d out of range", address, port)
	}
	return Address{Host: host, Port: port}, nil
}
