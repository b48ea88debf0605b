// Package meca implements the dual-socket ASCII driver for the Meca500 arm.
package meca

import (
	"context"
	"fmt"
	"net"
	"time"

	"icc.tech/labcell/internal/core"
)

// resolveBindAddr resolves the configured NIC binding to a local IPv4
// address. An explicit bind IP wins over an interface name; with neither,
// the OS picks the route.
func resolveBindAddr(bindIP, bindInterface string) (*net.TCPAddr, error) {
	if bindIP != "" {
		ip := net.ParseIP(bindIP)
		if ip == nil {
			return nil, core.NewConfigurationError(fmt.Sprintf("invalid bind ip %q", bindIP), nil)
		}
		return &net.TCPAddr{IP: ip}, nil
	}
	if bindInterface == "" {
		return nil, nil
	}

	iface, err := net.InterfaceByName(bindInterface)
	if err != nil {
		return nil, core.NewConfigurationError(
			fmt.Sprintf("bind interface %q not found", bindInterface), err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, core.NewConfigurationError(
			fmt.Sprintf("cannot list addresses of %q", bindInterface), err)
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return &net.TCPAddr{IP: ip4}, nil
		}
	}
	return nil, core.NewConfigurationError(
		fmt.Sprintf("interface %q has no IPv4 address", bindInterface), nil)
}

// dial opens one TCP connection to the controller, optionally bound to the
// resolved local address so traffic is routed through the chosen NIC.
func dial(ctx context.Context, host string, port int, local *net.TCPAddr, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	if local != nil {
		d.LocalAddr = local
	}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, core.NewConnectionError(
			fmt.Sprintf("dial %s:%d failed", host, port), err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}
	return conn, nil
}
