// Command tango-gateway runs a Tango database gateway: a single
// bind address and port through which a Tango database and its device
// servers become reachable, by inspecting GIOP Reply messages for
// embedded IORs and spawning a dynamic forwarder per backend discovered.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/maxiv-kitscontrols/tango-gateway/gateway"
	"github.com/maxiv-kitscontrols/tango-gateway/gwerr"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if gwerr.IsFatal(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("tango-gateway", flag.ContinueOnError)
	bind := fs.String("bind", "", "bind address for the gateway (mutually exclusive with -interface)")
	port := fs.Int("port", 8000, "port for the gateway's root listener")
	iface := fs.String("interface", "", "network interface to derive the bind address from (mutually exclusive with -bind)")
	tango := fs.String("tango", os.Getenv("TANGO_HOST"), "Tango database host:port (default is $TANGO_HOST)")
	fs.StringVar(bind, "b", *bind, "shorthand for -bind")
	fs.IntVar(port, "p", *port, "shorthand for -port")
	fs.StringVar(iface, "i", *iface, "shorthand for -interface")
	fs.StringVar(tango, "t", *tango, "shorthand for -tango")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := resolveConfig(*bind, *port, *iface, *tango)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	srv := gateway.New(cfg, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	select {
	case <-ctx.Done():
		srv.Shutdown()
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// resolveConfig applies the bind/interface mutual-exclusion rule, derives
// a bind address from an interface name when one is given, and splits the
// Tango host:port endpoint.
func resolveConfig(bind string, port int, iface, tangoHostPort string) (gateway.Config, error) {
	if bind != "" && iface != "" {
		return gateway.Config{}, gwerr.NewConfigurationError("-bind and -interface are mutually exclusive")
	}

	if bind == "" && iface == "" {
		addr, err := defaultBindAddress()
		if err != nil {
			return gateway.Config{}, gwerr.NewConfigurationError("resolving default bind address: %v", err)
		}
		bind = addr
	}
	if iface != "" {
		addr, err := bindAddressForInterface(iface)
		if err != nil {
			return gateway.Config{}, gwerr.NewConfigurationError("resolving interface %q: %v", iface, err)
		}
		bind = addr
	}

	if tangoHostPort == "" {
		return gateway.Config{}, gwerr.NewConfigurationError("no Tango host given; supply -tango or set $TANGO_HOST")
	}
	tangoHost, tangoPort, err := splitHostPort(tangoHostPort)
	if err != nil {
		return gateway.Config{}, gwerr.NewConfigurationError("invalid Tango host %q: %v", tangoHostPort, err)
	}

	return gateway.Config{
		BindAddress: bind,
		ServerPort:  port,
		TangoHost:   tangoHost,
		TangoPort:   tangoPort,
	}, nil
}

// defaultBindAddress resolves the address of the interface the kernel would
// use to route toward the public internet, mirroring netifaces.gateways()
// ["default"] without requiring a netlink-reading dependency: opening a UDP
// "connection" performs only local route resolution, sending no packet, and
// leaves the socket's local address set to the default route's interface.
func defaultBindAddress() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// bindAddressForInterface resolves the first IPv4 address assigned to a
// named interface, optionally selecting the Nth address with an
// "eth0:1"-style suffix, mirroring netifaces.ifaddresses semantics.
func bindAddressForInterface(name string) (string, error) {
	index := 0
	if i := strings.IndexByte(name, ':'); i >= 0 {
		idx, err := strconv.Atoi(name[i+1:])
		if err != nil {
			return "", fmt.Errorf("bad interface index in %q: %w", name, err)
		}
		index = idx
		name = name[:i]
	}

	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return "", err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return "", err
	}

	var ipv4 []string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			ipv4 = append(ipv4, ip4.String())
		}
	}
	if index >= len(ipv4) {
		return "", fmt.Errorf("interface %q has no IPv4 address at index %d", name, index)
	}
	return ipv4[index], nil
}

func splitHostPort(hostPort string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("bad port %q: %w", portStr, err)
	}
	return host, port, nil
}
