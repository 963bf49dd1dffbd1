package transport

import (
	"context"
	"net"
)

func checkUDP(network string) error {
	switch network {
	case "udp", "udp4", "udp6":
		return nil
	}
	return net.UnknownNetworkError(network)
}

// ListenUDP opens a UDP socket for a listener. network is udp, udp4 or udp6.
func ListenUDP(ctx context.Context, network, addr string) (net.PacketConn, error) {
	if err := checkUDP(network); err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	return lc.ListenPacket(ctx, network, addr)
}

// DialUDP resolves addr within network and opens a local socket to reach
// it. The socket is left unconnected so that it behaves like any other
// PacketConn. Plain udp picks the family of the resolved address.
func DialUDP(ctx context.Context, network, addr string) (net.PacketConn, net.Addr, error) {
	if err := checkUDP(network); err != nil {
		return nil, nil, err
	}
	raddr, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, nil, err
	}
	if network == "udp" {
		switch {
		case raddr.IP == nil:
		case raddr.IP.To4() != nil:
			network = "udp4"
		default:
			network = "udp6"
		}
	}
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, network, "")
	if err != nil {
		return nil, nil, err
	}
	return pc, raddr, nil
}
