package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"vether/internal/core"
	"vether/internal/service"
	"vether/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "identity":
		return runIdentity(args[1:], stdout, stderr)
	case "version":
		maj, min, rev, features := core.Version()
		fmt.Fprintf(stdout, "vether %d.%d.%d features=%#x\n", maj, min, rev, uint64(features))
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: vether-node <run|identity|version> [args]")
	fmt.Fprintln(w, "  run      --addr <ip:port> [--home dir] [--join nwid,...] [--relay addr [--relay-insecure]] [--debug]")
	fmt.Fprintln(w, "  identity [--home dir]")
	fmt.Fprintln(w, "  version")
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".vether")
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", ":9993", "UDP listen address (host:port)")
	home := fs.String("home", homeDir(), "data directory")
	join := fs.String("join", "", "comma-separated network ids (hex) to join")
	relay := fs.String("relay", "", "QUIC relay address for UDP-hostile networks")
	relayInsecure := fs.Bool("relay-insecure", false, "skip relay certificate verification (dev relays)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("VETHER_DEBUG", "1")
	}

	networks, err := parseNetworkList(*join)
	if err != nil {
		fmt.Fprintf(stderr, "bad --join: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, service.Options{
		Home:          *home,
		ListenAddr:    *addr,
		Networks:      networks,
		RelayAddr:     *relay,
		RelayInsecure: *relayInsecure,
	})
	if err != nil {
		fmt.Fprintf(stderr, "start failed: %v\n", err)
		return 1
	}
	defer svc.Close()

	var st core.NodeStatus
	if err := svc.Node().Status(&st); err != nil {
		fmt.Fprintf(stderr, "status failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "READY addr=%s address=%s\n", svc.LocalAddr(), st.Address)

	if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func runIdentity(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("identity", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", homeDir(), "data directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	st, err := store.New(*home)
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	buf := make([]byte, 4096)
	n, _ := st.Get("identity.public", buf, 0)
	if n <= 0 {
		fmt.Fprintln(stderr, "no identity yet; run the node once to generate one")
		return 1
	}
	fmt.Fprintln(stdout, strings.TrimSpace(string(buf[:n])))
	return 0
}

func parseNetworkList(s string) ([]uint64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []uint64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		nwid, err := strconv.ParseUint(part, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a hex network id", part)
		}
		out = append(out, nwid)
	}
	return out, nil
}
