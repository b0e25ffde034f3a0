// Command vpn-bridge runs the untrusted forwarding node: it
// terminates only the disguise subtree of the wire descriptor (TLS,
// meeklike, byte substitution, the connection-quality gate) and
// forwards the still-sosistab3-encrypted bytes underneath to a single
// configured exit over a plain TCP socket. A bridge never holds
// (and never needs) any key that would let it read client<->exit
// traffic.
//
// Grounded on Yawning-obfs4/obfs4-server/obfs4-server.go's
// acceptLoop/handler/copyLoop shape, with pt.DialOr's "forward to the
// next hop" replaced by a plain net.Dial to the exit's b2e listener.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yawning/veilnet/internal/applog"
	"github.com/yawning/veilnet/internal/config"
	"github.com/yawning/veilnet/pipe"
	"github.com/yawning/veilnet/route"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "vpn-bridge",
	Short: "Untrusted forwarding node fronting a VPN exit",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "vpn-bridge.toml", "path to bridge config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadBridgeConfig(configPath)
	if err != nil {
		return err
	}
	log := applog.New("bridge", applog.ParseLevel(cfg.LogLevel))

	descriptor, err := config.BuildDescriptor(cfg.Listen, cfg.Stages)
	if err != nil {
		return fmt.Errorf("vpn-bridge: build descriptor: %w", err)
	}
	ln, err := route.CompileListener(descriptor)
	if err != nil {
		return fmt.Errorf("vpn-bridge: compile listener: %w", err)
	}
	log.Info().Str("addr", ln.Addr()).Str("exit_b2e", cfg.ExitB2E).Msg("vpn-bridge: listening")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go acceptLoop(ctx, ln, cfg.ExitB2E, log)

	<-ctx.Done()
	return ln.Close()
}

func acceptLoop(ctx context.Context, ln pipe.Listener, exitB2E string, log zerolog.Logger) {
	for {
		p, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("vpn-bridge: accept failed")
			continue
		}
		go forward(ctx, p, exitB2E, log)
	}
}

// forward dials the exit's b2e socket and splices the disguise-stripped
// (still end-to-end encrypted) byte stream between the client-facing
// pipe and the exit-facing TCP connection. The bridge never parses what
// flows through it.
func forward(ctx context.Context, client pipe.Pipe, exitB2E string, log zerolog.Logger) {
	defer client.Close()

	var dialer net.Dialer
	upstream, err := dialer.DialContext(ctx, "tcp", exitB2E)
	if err != nil {
		log.Warn().Err(err).Str("exit_b2e", exitB2E).Msg("vpn-bridge: dial exit failed")
		return
	}
	defer upstream.Close()

	copyLoop(client, upstream)
}

func copyLoop(client pipe.Pipe, upstream net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		io.Copy(upstream, client)
	}()
	go func() {
		defer wg.Done()
		io.Copy(client, upstream)
	}()

	wg.Wait()
}
