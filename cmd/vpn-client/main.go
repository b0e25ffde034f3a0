// Command vpn-client runs the client half of the tunnel: a SOCKS5
// ingress (§4.6's dataflow entry point), the session controller pool,
// and the bandwidth-token redemption loop.
//
// Grounded on Yawning-obfs4/obfs4-client/obfs4-client.go's
// accept-loop/handler/copyLoop shape, adapted from "dial one further
// PT hop" to "open a mux stream through the session controller," and
// on gosuda-portal's cmd/server cobra root command for flag/signal
// plumbing.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	pt "git.torproject.org/pluggable-transports/goptlib.git"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yawning/veilnet/auth"
	"github.com/yawning/veilnet/broker"
	"github.com/yawning/veilnet/internal/applog"
	"github.com/yawning/veilnet/internal/config"
	"github.com/yawning/veilnet/pipe"
	"github.com/yawning/veilnet/route"
	"github.com/yawning/veilnet/session"
	"github.com/yawning/veilnet/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "vpn-client",
	Short: "Censorship-resistant VPN client",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "vpn-client.toml", "path to client config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return err
	}
	log := applog.New("client", applog.ParseLevel(cfg.LogLevel))

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("vpn-client: open store: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory, err := buildDialerFactory(cfg, log)
	if err != nil {
		return err
	}

	authenticate := func(p pipe.Pipe, exit session.ExitStatus) (pipe.Pipe, error) {
		var exitPub ed25519.PublicKey
		if exit.VerifyKeyHex != "" {
			key, err := hex.DecodeString(exit.VerifyKeyHex)
			if err == nil && len(key) == ed25519.PublicKeySize {
				exitPub = ed25519.PublicKey(key)
			}
		}
		creds, err := loadCredentials(ctx, db)
		if err != nil {
			return nil, err
		}
		return auth.ClientHandshake(p, creds, exitPub)
	}

	ctrl := session.NewController(ctx, cfg.Sessions, factory, authenticate, db, log)
	defer ctrl.Stop()

	ln, err := pt.ListenSocks("tcp", cfg.SocksListen)
	if err != nil {
		return fmt.Errorf("vpn-client: socks listen: %w", err)
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("vpn-client: socks5 ingress listening")

	go acceptLoop(ctx, ln, ctrl, log)

	<-ctx.Done()
	_ = ln.Close()
	return nil
}

// loadCredentials reads the auth token stored under store.AuthTokenKey
// and presents it as a free-tier token with no signature; it does not
// read the epoch-scoped connect tokens (store.ConnTokenKey). With no
// stored auth token it returns empty credentials, as used for a
// brokerless direct exit.
func loadCredentials(ctx context.Context, db *store.Store) (auth.Credentials, error) {
	raw, ok, err := db.Get(ctx, store.AuthTokenKey)
	if err != nil {
		return auth.Credentials{}, err
	}
	if !ok {
		return auth.Credentials{}, nil
	}
	return auth.Credentials{Level: auth.LevelFree, Token: raw}, nil
}

// buildDialerFactory wires either the direct-exit static route (no
// broker) or the broker-mediated rendezvous path, per §4.6 step 2.
func buildDialerFactory(cfg *config.ClientConfig, log zerolog.Logger) (session.DialerFactory, error) {
	if cfg.DirectExit != nil {
		return directExitFactory(*cfg.DirectExit)
	}
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("vpn-client: config must set either direct_exit or broker_url")
	}
	return brokerExitFactory(cfg, log)
}

func directExitFactory(d config.DirectExitConfig) (session.DialerFactory, error) {
	descriptor, err := config.BuildDescriptor(d.Addr, d.Stages)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (pipe.Dialer, session.ExitStatus, error) {
		dialer, err := route.Compile(descriptor)
		if err != nil {
			return nil, session.ExitStatus{}, err
		}
		return dialer, session.ExitStatus{ID: d.Addr, VerifyKeyHex: d.PubKeyHex}, nil
	}, nil
}

func brokerExitFactory(cfg *config.ClientConfig, log zerolog.Logger) (session.DialerFactory, error) {
	masterKey, err := hex.DecodeString(cfg.BrokerMasterKey)
	if err != nil {
		return nil, fmt.Errorf("vpn-client: broker_master_key: %w", err)
	}
	client := broker.New(cfg.BrokerURL, ed25519.PublicKey(masterKey))
	constraint := cfg.Constraint.ToSessionConstraint()

	return func(ctx context.Context) (pipe.Dialer, session.ExitStatus, error) {
		exits, err := client.GetExits(ctx)
		if err != nil {
			return nil, session.ExitStatus{}, err
		}
		candidates := make([]session.ExitStatus, len(exits))
		for i, e := range exits {
			candidates[i] = session.ExitStatus{
				ID:           e.C2EListen,
				Load:         e.Load,
				Country:      e.Country,
				City:         e.City,
				VerifyKeyHex: hex.EncodeToString(e.VerifyKey),
			}
		}
		picked, err := session.PickExit(candidates, constraint, clientIPHint())
		if err != nil {
			return nil, session.ExitStatus{}, err
		}

		raw, err := client.GetRoutesV2(ctx, broker.GetRoutesV2Params{
			Token:   cfg.AuthToken,
			ExitB2E: picked.ID,
		})
		if err != nil {
			return nil, session.ExitStatus{}, err
		}
		descriptor, err := route.DecodeJSON(raw)
		if err != nil {
			return nil, session.ExitStatus{}, err
		}
		dialer, err := route.Compile(descriptor)
		if err != nil {
			return nil, session.ExitStatus{}, err
		}
		return dialer, picked, nil
	}, nil
}

// clientIPHint is the rendezvous-hashing key of §4.6; a production
// client would learn its own externally visible address, but a stable
// per-process placeholder keeps selection deterministic when no
// better signal is configured.
func clientIPHint() string {
	hostname, _ := os.Hostname()
	return hostname
}

func acceptLoop(ctx context.Context, ln *pt.SocksListener, ctrl *session.Controller, log zerolog.Logger) {
	for {
		conn, err := ln.AcceptSocks()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		go handleSocksConn(ctx, conn, ctrl, log)
	}
}

func handleSocksConn(ctx context.Context, conn *pt.SocksConn, ctrl *session.Controller, log zerolog.Logger) {
	defer conn.Close()

	stream, err := ctrl.OpenConn(ctx, "tcp$"+conn.Req.Target)
	if err != nil {
		log.Warn().Err(err).Str("target", conn.Req.Target).Msg("vpn-client: open stream failed")
		_ = conn.Reject()
		return
	}
	defer stream.Close()

	if err := conn.Grant(&net.TCPAddr{IP: net.IPv4zero, Port: 0}); err != nil {
		return
	}

	done := make(chan struct{}, 2)
	go func() { io.Copy(stream, conn); done <- struct{}{} }()
	go func() { io.Copy(conn, stream); done <- struct{}{} }()
	<-done
	<-done
}
