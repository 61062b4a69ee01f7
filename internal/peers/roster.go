package peers

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/multiformats/go-multiaddr"
)

// ParseRoster reads peer lines of the form
//
//	<id> <host> <port>
//	<id> /ip4/<addr>/udp/<port>
//
// Blank lines and lines starting with '#' are ignored.
func ParseRoster(r io.Reader) ([]*Peer, error) {
	var roster []*Peer
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("roster line %d: invalid peer id %q", lineNo, fields[0])
		}

		var addr *net.UDPAddr
		switch len(fields) {
		case 2:
			addr, err = AddrFromMultiaddr(fields[1])
		case 3:
			addr, err = net.ResolveUDPAddr("udp", net.JoinHostPort(fields[1], fields[2]))
		default:
			err = fmt.Errorf("expected 2 or 3 fields, got %d", len(fields))
		}
		if err != nil {
			return nil, fmt.Errorf("roster line %d: %w", lineNo, err)
		}

		roster = append(roster, &Peer{ID: id, Addr: addr})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return roster, nil
}

// LoadRoster reads the roster file at path.
func LoadRoster(path string) ([]*Peer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open roster: %w", err)
	}
	defer f.Close()
	return ParseRoster(f)
}

// AddrFromMultiaddr converts /ip4/<addr>/udp/<port> (or /ip6/...) into a UDP address.
func AddrFromMultiaddr(s string) (*net.UDPAddr, error) {
	ma, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return nil, fmt.Errorf("invalid multiaddr %q: %w", s, err)
	}

	var ipStr, portStr string
	multiaddr.ForEach(ma, func(c multiaddr.Component) bool {
		switch c.Protocol().Code {
		case multiaddr.P_IP4, multiaddr.P_IP6:
			ipStr = c.Value()
		case multiaddr.P_UDP:
			portStr = c.Value()
		}
		return true
	})
	if ipStr == "" || portStr == "" {
		return nil, fmt.Errorf("multiaddr %q needs an ip4/ip6 and a udp component", s)
	}

	ip, err := netip.ParseAddr(ipStr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip, uint16(port))), nil
}

// Multiaddr renders the peer address in multiaddr form.
func (p *Peer) Multiaddr() (multiaddr.Multiaddr, error) {
	ap := addrKey(p.Addr)
	proto := "ip4"
	if ap.Addr().Is6() {
		proto = "ip6"
	}
	return multiaddr.NewMultiaddr(fmt.Sprintf("/%s/%s/udp/%d", proto, ap.Addr(), ap.Port()))
}
