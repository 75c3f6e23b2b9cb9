package main

import (
	"bufio"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// DefaultMTU is the largest IP frame the tunnel accepts.
const DefaultMTU = 1420

// Options carries raw configuration values as collected from CLI flags,
// ONETUN_* environment variables, and (optionally) a WireGuard INI file.
// LoadConfig resolves and validates them into a Config.
type Options struct {
	ConfigFile   string
	Source       string
	Destination  string
	Endpoint     string
	PrivateKey   string
	PublicKey    string
	PresharedKey string
	SourcePeerIP string
	Keepalive    int
	MTU          int
	Socks5       string
}

// Config is the immutable process-wide configuration record.
type Config struct {
	// Source is the local TCP address the proxy listens on.
	Source string
	// Destination is the forward target inside the tunneled network.
	Destination netip.AddrPort
	// Endpoint is the UDP address of the remote WireGuard peer.
	Endpoint netip.AddrPort
	// SourcePeerIP is the IP this endpoint presents to the remote network.
	SourcePeerIP netip.Addr
	PrivateKey   wgtypes.Key
	PublicKey    wgtypes.Key
	PresharedKey *wgtypes.Key
	// Keepalive is the persistent keepalive interval in seconds; 0 disables it.
	Keepalive int
	MTU       int
	// Socks5, when non-empty, is the local address of the SOCKS5 front-end.
	Socks5 string
}

// LoadConfig resolves Options into a validated Config. A WireGuard INI
// file, when given, fills only the values the flags left empty.
func LoadConfig(opts Options) (*Config, error) {
	if opts.ConfigFile != "" {
		if err := mergeWireGuardFile(&opts, opts.ConfigFile); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", opts.ConfigFile, err)
		}
	}

	if opts.Source == "" {
		return nil, fmt.Errorf("source address is required")
	}
	if _, err := resolveAddrPort(opts.Source); err != nil {
		return nil, fmt.Errorf("invalid source address: %w", err)
	}

	if opts.Destination == "" {
		return nil, fmt.Errorf("destination address is required")
	}
	dest, err := resolveAddrPort(opts.Destination)
	if err != nil {
		return nil, fmt.Errorf("invalid destination address: %w", err)
	}

	if opts.Endpoint == "" {
		return nil, fmt.Errorf("endpoint address is required")
	}
	endpoint, err := resolveAddrPort(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint address: %w", err)
	}

	if opts.PrivateKey == "" {
		return nil, fmt.Errorf("private key is required")
	}
	privateKey, err := wgtypes.ParseKey(opts.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	if opts.PublicKey == "" {
		return nil, fmt.Errorf("peer public key is required")
	}
	publicKey, err := wgtypes.ParseKey(opts.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}

	var presharedKey *wgtypes.Key
	if opts.PresharedKey != "" {
		key, err := wgtypes.ParseKey(opts.PresharedKey)
		if err != nil {
			return nil, fmt.Errorf("invalid preshared key: %w", err)
		}
		presharedKey = &key
	}

	if opts.SourcePeerIP == "" {
		return nil, fmt.Errorf("source peer IP is required")
	}
	sourcePeerIP, err := netip.ParseAddr(opts.SourcePeerIP)
	if err != nil {
		return nil, fmt.Errorf("invalid source peer IP: %w", err)
	}

	if opts.Keepalive < 0 {
		return nil, fmt.Errorf("keepalive must not be negative")
	}

	mtu := opts.MTU
	if mtu == 0 {
		mtu = DefaultMTU
	}
	if mtu < 576 || mtu > MaxPacket {
		return nil, fmt.Errorf("mtu must be within [576, %d]", MaxPacket)
	}

	return &Config{
		Source:       opts.Source,
		Destination:  dest,
		Endpoint:     endpoint,
		SourcePeerIP: sourcePeerIP,
		PrivateKey:   privateKey,
		PublicKey:    publicKey,
		PresharedKey: presharedKey,
		Keepalive:    opts.Keepalive,
		MTU:          mtu,
		Socks5:       opts.Socks5,
	}, nil
}

// mergeWireGuardFile fills empty Options fields from a standard WireGuard
// configuration file: PrivateKey and Address from [Interface]; PublicKey,
// PresharedKey, Endpoint and PersistentKeepalive from the first [Peer].
func mergeWireGuardFile(opts *Options, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	var currentSection string
	peerSeen := false

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			currentSection = strings.ToLower(line[1 : len(line)-1])
			if currentSection == "peer" {
				if peerSeen {
					// Only the first peer maps onto a single-tunnel config.
					currentSection = ""
				}
				peerSeen = true
			}
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])

		switch currentSection {
		case "interface":
			switch key {
			case "privatekey":
				if opts.PrivateKey == "" {
					opts.PrivateKey = value
				}
			case "address":
				if opts.SourcePeerIP == "" {
					prefix, err := netip.ParsePrefix(value)
					if err != nil {
						addr, aerr := netip.ParseAddr(value)
						if aerr != nil {
							return fmt.Errorf("invalid interface address %q: %w", value, err)
						}
						opts.SourcePeerIP = addr.String()
						break
					}
					opts.SourcePeerIP = prefix.Addr().String()
				}
			case "mtu":
				if opts.MTU == 0 {
					mtu, err := strconv.Atoi(value)
					if err != nil {
						return fmt.Errorf("invalid MTU %q: %w", value, err)
					}
					opts.MTU = mtu
				}
			}
		case "peer":
			switch key {
			case "publickey":
				if opts.PublicKey == "" {
					opts.PublicKey = value
				}
			case "presharedkey":
				if opts.PresharedKey == "" {
					opts.PresharedKey = value
				}
			case "endpoint":
				if opts.Endpoint == "" {
					opts.Endpoint = value
				}
			case "persistentkeepalive":
				if opts.Keepalive == 0 {
					keepalive, err := strconv.Atoi(value)
					if err != nil {
						return fmt.Errorf("invalid persistent keepalive %q: %w", value, err)
					}
					opts.Keepalive = keepalive
				}
			}
		}
	}

	return scanner.Err()
}

// resolveAddrPort parses host:port, resolving a hostname to an IP address
// (IPv4 preferred) when the host part is not a literal.
func resolveAddrPort(s string) (netip.AddrPort, error) {
	if addrPort, err := netip.ParseAddrPort(s); err == nil {
		return addrPort, nil
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid address format: %w", err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to resolve hostname %s: %w", host, err)
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no IP addresses found for hostname %s", host)
	}

	var resolved net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			resolved = ip
			break
		}
	}
	if resolved == nil {
		resolved = ips[0]
	}

	addr, ok := netip.AddrFromSlice(resolved)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("unusable resolved address for %s", host)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}
