// Package media carries frames between drivers: channel designations, the UDP
// transport, and an in-memory loopback network for deterministic tests.
package media

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/c360/semwire/errors"
	"github.com/c360/semwire/flowcontrol"
)

const spyPrefix = "spy:"

// Channel is a parsed channel designation of the form
//
//	udp://host:port[?interface=eth0&ttl=4&fc=min&control=host:port]
//	spy:udp://host:port
//
// For a multicast group the control address is the group address plus one on the
// same port. For unicast the control address is the publisher's local address, which
// receivers learn from the source of each datagram.
type Channel struct {
	URI       string
	Endpoint  *net.UDPAddr
	Control   *net.UDPAddr
	Interface string
	TTL       int
	Multicast bool
	Spy       bool

	FlowControl flowcontrol.Kind
	// TermLength and MTU override the driver defaults when non-zero.
	TermLength int
	MTU        int
}

// ParseChannel parses uri.
func ParseChannel(uri string) (Channel, error) {
	ch := Channel{URI: uri}
	rest := uri
	if strings.HasPrefix(rest, spyPrefix) {
		ch.Spy = true
		rest = strings.TrimPrefix(rest, spyPrefix)
	}

	u, err := url.Parse(rest)
	if err != nil {
		return Channel{}, invalidChannel(uri, err.Error())
	}
	if u.Scheme != "udp" {
		return Channel{}, invalidChannel(uri, fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return Channel{}, invalidChannel(uri, "missing endpoint")
	}
	endpoint, err := net.ResolveUDPAddr("udp4", u.Host)
	if err != nil {
		return Channel{}, invalidChannel(uri, err.Error())
	}
	if endpoint.Port == 0 {
		return Channel{}, invalidChannel(uri, "endpoint port is required")
	}
	ch.Endpoint = endpoint

	q := u.Query()
	ch.Interface = q.Get("interface")
	if v := q.Get("ttl"); v != "" {
		if ch.TTL, err = strconv.Atoi(v); err != nil || ch.TTL < 0 || ch.TTL > 255 {
			return Channel{}, invalidChannel(uri, "ttl must be 0-255")
		}
	}
	if v := q.Get("term-length"); v != "" {
		if ch.TermLength, err = strconv.Atoi(v); err != nil {
			return Channel{}, invalidChannel(uri, "term-length: "+err.Error())
		}
	}
	if v := q.Get("mtu"); v != "" {
		if ch.MTU, err = strconv.Atoi(v); err != nil {
			return Channel{}, invalidChannel(uri, "mtu: "+err.Error())
		}
	}

	ch.Multicast = endpoint.IP.IsMulticast()
	if ch.Multicast {
		ch.Control = &net.UDPAddr{IP: nextIP(endpoint.IP), Port: endpoint.Port}
		ch.FlowControl = flowcontrol.MinMulticast
	} else if v := q.Get("control"); v != "" {
		if ch.Control, err = net.ResolveUDPAddr("udp4", v); err != nil {
			return Channel{}, invalidChannel(uri, "control: "+err.Error())
		}
	}
	if v := q.Get("fc"); v != "" {
		if ch.FlowControl, err = flowcontrol.ParseKind(v); err != nil {
			return Channel{}, invalidChannel(uri, err.Error())
		}
	}
	return ch, nil
}

// Key identifies the network endpoint of the channel. Publications and subscriptions
// with the same key share a transport.
func (c Channel) Key() string {
	return "udp://" + c.Endpoint.String()
}

// String returns the designation the channel was parsed from.
func (c Channel) String() string { return c.URI }

// SenderEndpoint is where a publication binds to receive control frames.
func (c Channel) SenderEndpoint() Endpoint {
	if c.Multicast {
		return Endpoint{Bind: c.Control, Group: c.Control.IP, Interface: c.Interface, TTL: c.TTL}
	}
	if c.Control != nil {
		return Endpoint{Bind: c.Control}
	}
	return Endpoint{Bind: &net.UDPAddr{IP: net.IPv4zero}}
}

// ReceiverEndpoint is where a subscription binds to receive data frames.
func (c Channel) ReceiverEndpoint() Endpoint {
	if c.Multicast {
		return Endpoint{Bind: c.Endpoint, Group: c.Endpoint.IP, Interface: c.Interface, TTL: c.TTL}
	}
	return Endpoint{Bind: c.Endpoint}
}

// ControlDestination returns where a receiver sends Status Messages and Naks for data
// that arrived from source.
func (c Channel) ControlDestination(source *net.UDPAddr) *net.UDPAddr {
	if c.Multicast {
		return c.Control
	}
	return source
}

func nextIP(ip net.IP) net.IP {
	v4 := ip.To4()
	out := make(net.IP, len(v4))
	copy(out, v4)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			break
		}
	}
	return out
}

func invalidChannel(uri, reason string) error {
	return errors.WrapInvalid(errors.ErrInvalidChannel, "media", "ParseChannel",
		fmt.Sprintf("%q: %s", uri, reason))
}
