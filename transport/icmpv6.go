// Package transport carries RPL control messages over raw ICMPv6 sockets.
// Its read loop is adapted from Splat-NDPeekr's NDPListener.Run: a
// SetReadDeadline-plus-ctx.Done() poll rather than a goroutine per packet,
// so the single cooperative scheduler in package events stays the only
// thing driving control-plane logic.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"

	"smarthop/codec"
)

// Sender is the consumed icmp_send(dest, type, code, length) contract: type
// is always ICMP6_RPL and length is len(payload), so both fold into a
// single call.
type Sender interface {
	SendICMPv6(dest net.IP, code uint8, payload []byte) error
}

// RSSISource supplies the per-received-packet radio RSSI spec section 6
// lists as a consumed interface owned by the radio driver. Raw IPv6
// sockets carry no such metadata, so it is injected rather than read off
// the wire; a nil source (the default) reports no RSSI available.
type RSSISource interface {
	RSSI(src net.IP) (raw uint8, ok bool)
}

// DispatchFunc receives one decoded-to-payload RPL control message. code is
// the ICMPv6 code (DIS/DIO/DAO/DAO-ACK); dst is the packet's destination
// address, needed to tell a multicast solicitation from a unicast one (spec
// section 4.2's dis_in branches on exactly that); rssi is 0 when no
// RSSISource was configured or it had nothing for src.
type DispatchFunc func(code uint8, payload []byte, src, dst net.IP, rssi uint8)

// Config configures an ICMPv6Socket.
type Config struct {
	ListenAddr  string // e.g. "::"
	Interface   string // optional; best-effort restriction by ifindex
	Logger      *slog.Logger
	RSSISource  RSSISource
	ReadTimeout time.Duration
}

// ICMPv6Socket sends and receives RPL control messages over a raw ICMPv6
// socket.
type ICMPv6Socket struct {
	cfg Config
	pc  *icmp.PacketConn
}

// NewICMPv6Socket applies defaults the same way NDPListenerConfig does
// (empty listen address, default logger).
func NewICMPv6Socket(cfg Config) *ICMPv6Socket {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "::"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 800 * time.Millisecond
	}
	return &ICMPv6Socket{cfg: cfg}
}

// Run opens the socket and dispatches every RPL ICMPv6 message it receives
// until ctx is cancelled or a fatal read error occurs.
func (s *ICMPv6Socket) Run(ctx context.Context, dispatch DispatchFunc) error {
	pc, err := icmp.ListenPacket("ip6:ipv6-icmp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen icmpv6: %w", err)
	}
	defer pc.Close()
	s.pc = pc

	p := pc.IPv6PacketConn()
	if p == nil {
		return fmt.Errorf("pc.IPv6PacketConn() returned nil (unexpected for ip6:ipv6-icmp)")
	}
	if err := p.SetControlMessage(ipv6.FlagInterface|ipv6.FlagDst, true); err != nil {
		s.cfg.Logger.Warn("failed to enable ipv6 control messages; continuing", "err", err)
	}

	var wantIfIndex int
	if s.cfg.Interface != "" {
		ifi, e := net.InterfaceByName(s.cfg.Interface)
		if e != nil {
			s.cfg.Logger.Warn("interface not found; continuing without restriction", "iface", s.cfg.Interface, "err", e)
		} else {
			wantIfIndex = ifi.Index
		}
	}

	buf := make([]byte, 1280)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = pc.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		n, cm, src, err := p.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}

		srcIP := ipFromAddr(src)

		if wantIfIndex != 0 {
			if cm == nil || cm.IfIndex != wantIfIndex {
				continue
			}
		}

		msg, perr := icmp.ParseMessage(58, buf[:n])
		if perr != nil {
			s.cfg.Logger.Warn("failed to parse icmpv6", "src", srcIP, "len", n, "err", perr)
			continue
		}
		icmpType, ok := msg.Type.(ipv6.ICMPType)
		if !ok || uint8(icmpType) != codec.ICMPv6TypeRPL {
			continue
		}

		body, ok := msg.Body.(*icmp.RawBody)
		if !ok {
			s.cfg.Logger.Warn("rpl message with unexpected body type", "src", srcIP)
			continue
		}

		var rssi uint8
		if s.cfg.RSSISource != nil {
			if r, ok := s.cfg.RSSISource.RSSI(srcIP); ok {
				rssi = r
			}
		}

		var dstIP net.IP
		if cm != nil {
			dstIP = cm.Dst
		}

		dispatch(uint8(msg.Code), body.Data, srcIP, dstIP, rssi)
	}
}

// SendICMPv6 implements Sender. It must be called after Run has opened the
// socket; both run on the single cooperative scheduler goroutine, so no
// synchronization is needed.
func (s *ICMPv6Socket) SendICMPv6(dest net.IP, code uint8, payload []byte) error {
	if s.pc == nil {
		return fmt.Errorf("transport: socket not open")
	}
	msg := icmp.Message{
		Type: ipv6.ICMPType(codec.ICMPv6TypeRPL),
		Code: int(code),
		Body: &icmp.RawBody{Data: payload},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return fmt.Errorf("marshal rpl message: %w", err)
	}
	if _, err := s.pc.WriteTo(wb, &net.IPAddr{IP: dest, Zone: ""}); err != nil {
		return fmt.Errorf("write rpl message: %w", err)
	}
	return nil
}

func ipFromAddr(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.IPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	default:
		return nil
	}
}
