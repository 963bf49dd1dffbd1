package veil

import (
	"context"
	"fmt"
	"net"

	"github.com/TheusHen/veil/veil/identity"
	"github.com/TheusHen/veil/veil/session"
	"github.com/TheusHen/veil/veil/transport"
)

// Dial connects to the listener at addr over network "udp" or "tcp".
func Dial(ctx context.Context, network, addr string, serverPub identity.PublicKey, cfg Config) (*Conn, error) {
	var (
		pc    net.PacketConn
		raddr net.Addr
		err   error
	)
	switch network {
	case "udp", "udp4", "udp6":
		pc, raddr, err = transport.DialUDP(ctx, network, addr)
	case "tcp":
		pc, raddr, err = transport.DialTCP(ctx, addr, serverPub)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
	}
	if err != nil {
		return nil, err
	}
	c, err := dial(ctx, pc, raddr, serverPub, cfg, func() { _ = pc.Close() })
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	return c, nil
}

// DialPacketConn connects over an existing carrier. pc is not closed with the Conn.
func DialPacketConn(ctx context.Context, pc net.PacketConn, raddr net.Addr, serverPub identity.PublicKey, cfg Config) (*Conn, error) {
	return dial(ctx, pc, raddr, serverPub, cfg, nil)
}

func dial(ctx context.Context, pc net.PacketConn, raddr net.Addr, serverPub identity.PublicKey, cfg Config, onClose func()) (*Conn, error) {
	scfg, metrics, err := cfg.sessionConfig()
	if err != nil {
		return nil, err
	}
	rec := metrics.NewRecorder()
	scfg.Recorder = rec
	sess, err := session.Connect(ctx, pc, raddr, serverPub, cfg.KeyPair, scfg)
	if err != nil {
		return nil, err
	}
	return newConn(sess, cfg, rec, onClose), nil
}
