package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
)

func printUsage() {
	help := fmt.Sprintf(`
onetun %s

🔒 Userspace WireGuard port forwarder: tunnels local TCP connections to a
destination behind a WireGuard peer without TUN/TAP or root.

`, Version)

	help += "\033[33mUSAGE:\033[0m\n"
	help += "    onetun --source=<ip:port> --destination=<ip:port> --endpoint=<ip:port> \\\n"
	help += "           --private-key=<base64> --public-key=<base64> --source-peer-ip=<ip>\n\n"

	help += "\033[33mEXAMPLES:\033[0m\n"
	help += "    \033[36m# Expose a server that is only reachable inside the tunnel\033[0m\n"
	help += "    onetun --source=127.0.0.1:8080 --destination=192.168.4.2:8080 \\\n"
	help += "           --endpoint=vpn.example.com:51820 --source-peer-ip=192.168.4.3 \\\n"
	help += "           --private-key=... --public-key=...\n\n"

	help += "    \033[36m# Reuse an existing WireGuard config for keys and peer\033[0m\n"
	help += "    onetun --config=wg0.conf --source=127.0.0.1:8080 --destination=192.168.4.2:8080\n\n"

	help += "\033[33mOPTIONS:\033[0m\n"
	help += "    --source=<ip:port>        Local TCP address to listen on\n"
	help += "    --destination=<ip:port>   Forward target inside the tunneled network\n"
	help += "    --endpoint=<ip:port>      UDP address of the remote WireGuard peer\n"
	help += "    --private-key=<base64>    Local WireGuard private key\n"
	help += "    --public-key=<base64>     Peer WireGuard public key\n"
	help += "    --preshared-key=<base64>  Optional preshared key\n"
	help += "    --source-peer-ip=<ip>     IP this endpoint presents to the remote network\n"
	help += "    --keepalive=<seconds>     Persistent keepalive interval (0 disables)\n"
	help += fmt.Sprintf("    --mtu=<bytes>             Tunnel MTU (default %d)\n", DefaultMTU)
	help += "    --config=<path>           WireGuard INI file filling unset options\n"
	help += "    --socks5=<ip:port>        Also serve SOCKS5 through the tunnel\n"
	help += "    --log-level=<level>       error, warn, info, debug, trace\n"
	help += "    --log-file=<path>         Write logs to a file instead of stderr\n"
	help += "    --help / --version\n\n"

	help += "    Every option also reads an ONETUN_* environment variable\n"
	help += "    (e.g. ONETUN_PRIVATE_KEY) when the flag is not given.\n\n"

	os.Stderr.WriteString(help)
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	var opts Options
	var showHelp bool
	var showVersion bool
	var logLevelStr string
	var logFile string

	flag.StringVar(&opts.Source, "source", envOr("ONETUN_SOURCE", ""), "Local ip:port to listen on")
	flag.StringVar(&opts.Destination, "destination", envOr("ONETUN_DESTINATION", ""), "Destination ip:port inside the tunneled network")
	flag.StringVar(&opts.Endpoint, "endpoint", envOr("ONETUN_ENDPOINT", ""), "UDP ip:port of the remote WireGuard peer")
	flag.StringVar(&opts.PrivateKey, "private-key", envOr("ONETUN_PRIVATE_KEY", ""), "Local WireGuard private key (base64)")
	flag.StringVar(&opts.PublicKey, "public-key", envOr("ONETUN_PUBLIC_KEY", ""), "Peer WireGuard public key (base64)")
	flag.StringVar(&opts.PresharedKey, "preshared-key", envOr("ONETUN_PRESHARED_KEY", ""), "Optional preshared key (base64)")
	flag.StringVar(&opts.SourcePeerIP, "source-peer-ip", envOr("ONETUN_SOURCE_PEER_IP", ""), "IP this endpoint presents to the remote network")
	flag.IntVar(&opts.Keepalive, "keepalive", envOrInt("ONETUN_KEEPALIVE", 0), "Persistent keepalive interval in seconds")
	flag.IntVar(&opts.MTU, "mtu", envOrInt("ONETUN_MTU", 0), "Tunnel MTU")
	flag.StringVar(&opts.ConfigFile, "config", envOr("ONETUN_CONFIG", ""), "WireGuard configuration file filling unset options")
	flag.StringVar(&opts.Socks5, "socks5", envOr("ONETUN_SOCKS5", ""), "Local ip:port for an optional SOCKS5 front-end")
	flag.StringVar(&logLevelStr, "log-level", envOr("ONETUN_LOG", "info"), "Set log level (error, warn, info, debug, trace)")
	flag.StringVar(&logFile, "log-file", "", "Set file to write logs to (default: terminal)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Usage = printUsage
	flag.Parse()

	if showVersion {
		fmt.Printf("%s\n", GetFullVersion())
		os.Exit(0)
	}
	if showHelp {
		printUsage()
		os.Exit(0)
	}

	logLevel, err := ParseLogLevel(logLevelStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\n\033[31m✗ Error:\033[0m Invalid log level: %v\n", err)
		os.Exit(1)
	}

	var logOutput io.Writer = os.Stderr
	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "\n\033[31m✗ Error:\033[0m Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer file.Close()
		logOutput = file
	}
	SetGlobalLogger(NewLogger(logLevel, logOutput))

	config, err := LoadConfig(opts)
	if err != nil {
		logger.Errorf("Failed to read config: %v", err)
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	portPool := NewPortPool()

	logger.Infof("Creating WireGuard tunnel...")
	tunnel, err := NewWireGuardTunnel(config)
	if err != nil {
		logger.Errorf("Failed to initialize WireGuard tunnel: %v", err)
		os.Exit(1)
	}
	defer tunnel.Close()

	// Process-wide tunnel tasks: session timers and inbound dispatch.
	go tunnel.RoutineLoop(ctx)
	go tunnel.ConsumeLoop(ctx)

	// Catch-all for traffic no live virtual port claims.
	go func() {
		if err := RunIPSink(ctx, tunnel, config.MTU); err != nil {
			logger.Errorf("IP sink failed: %v", err)
		}
	}()

	if config.Socks5 != "" {
		socksServer, err := NewSOCKS5Server(config.Socks5, config, portPool, tunnel)
		if err != nil {
			logger.Errorf("Failed to start SOCKS5 server: %v", err)
			os.Exit(1)
		}
		defer socksServer.Close()
		logger.Infof("SOCKS5 server listening on %s", socksServer.Addr())
	}

	proxy, err := NewTCPProxyServer(config, portPool, tunnel)
	if err != nil {
		logger.Errorf("Failed to start TCP proxy server: %v", err)
		os.Exit(1)
	}

	logger.Infof("%s initialized", GetFullVersion())
	logger.Infof("Tunnelling [%s]->[%s] (via [%s] as peer %s)",
		config.Source, config.Destination, config.Endpoint, config.SourcePeerIP)

	if err := proxy.Serve(ctx); err != nil {
		logger.Errorf("TCP proxy server failed: %v", err)
		os.Exit(1)
	}

	logger.Infof("Shutting down...")
}
