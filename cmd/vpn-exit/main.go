// Command vpn-exit runs the exit role: two listeners (one for clients
// dialing in directly, carrying the full disguise+sosistab3 stack; one
// for bridge-forwarded connections, carrying only the inner sosistab3
// layer a bridge has already stripped the disguise off of), each
// running the authenticated handshake and then the mux-stream dispatch
// loop against the egress policy and per-session bandwidth account.
//
// Grounded on Yawning-obfs4/obfs4-server/obfs4-server.go's
// listener-per-bindaddr/acceptLoop/handler shape, generalized from a
// single PT listener to the c2e/b2e pair, and on gosuda-portal's cobra
// root command for flag/signal plumbing.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yawning/veilnet/accounting"
	"github.com/yawning/veilnet/auth"
	"github.com/yawning/veilnet/exit"
	"github.com/yawning/veilnet/fakedns"
	"github.com/yawning/veilnet/internal/applog"
	"github.com/yawning/veilnet/internal/config"
	"github.com/yawning/veilnet/mux"
	"github.com/yawning/veilnet/pipe"
	"github.com/yawning/veilnet/route"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "vpn-exit",
	Short: "VPN exit: terminal hop that handshakes, multiplexes, and proxies to the open Internet",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "vpn-exit.toml", "path to exit config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadExitConfig(configPath)
	if err != nil {
		return err
	}
	log := applog.New("exit", applog.ParseLevel(cfg.LogLevel))

	signingKey, err := hex.DecodeString(cfg.SigningKeyHex)
	if err != nil || len(signingKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("vpn-exit: signing_key must be a hex-encoded %d-byte Ed25519 private key", ed25519.PrivateKeySize)
	}
	priv := ed25519.PrivateKey(signingKey)

	policy, err := buildPolicy(cfg.EgressPolicy)
	if err != nil {
		return fmt.Errorf("vpn-exit: egress_policy: %w", err)
	}
	limiter := accounting.NewExitRateLimiter(int(cfg.RateLimitBytesPerSec), int(cfg.RateLimitBurstBytes))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c2e, err := config.BuildDescriptor(cfg.C2EListen, cfg.C2EStages)
	if err != nil {
		return fmt.Errorf("vpn-exit: c2e descriptor: %w", err)
	}
	c2eLn, err := route.CompileListener(c2e)
	if err != nil {
		return fmt.Errorf("vpn-exit: compile c2e listener: %w", err)
	}
	log.Info().Str("addr", c2eLn.Addr()).Msg("vpn-exit: client-facing listener up")
	go acceptLoop(ctx, c2eLn, priv, policy, limiter, log)

	b2e, err := config.BuildDescriptor(cfg.B2EListen, cfg.B2EStages)
	if err != nil {
		return fmt.Errorf("vpn-exit: b2e descriptor: %w", err)
	}
	b2eLn, err := route.CompileListener(b2e)
	if err != nil {
		return fmt.Errorf("vpn-exit: compile b2e listener: %w", err)
	}
	log.Info().Str("addr", b2eLn.Addr()).Msg("vpn-exit: bridge-facing listener up")
	go acceptLoop(ctx, b2eLn, priv, policy, limiter, log)

	<-ctx.Done()
	_ = c2eLn.Close()
	_ = b2eLn.Close()
	return nil
}

func buildPolicy(c config.EgressPolicyConfig) (*fakedns.Policy, error) {
	cidrs := make([]netip.Prefix, 0, len(c.ChinaCIDRs))
	for _, raw := range c.ChinaCIDRs {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("china_cidrs: %q: %w", raw, err)
		}
		cidrs = append(cidrs, p)
	}
	return fakedns.NewPolicy(c.PassthroughChina, c.ChinaDomains, cidrs)
}

// verify authenticates a connect-token credential. Signature/blind-
// token verification is the broker's concern (see exit/session.go);
// here an absent token is the brokerless free tier and any present
// token is trusted at the level it asserts.
func verify(creds auth.Credentials) (auth.AccountLevel, error) {
	if len(creds.Token) == 0 {
		return auth.LevelFree, nil
	}
	return creds.Level, nil
}

func acceptLoop(ctx context.Context, ln pipe.Listener, priv ed25519.PrivateKey, policy *fakedns.Policy, limiter *accounting.ExitRateLimiter, log zerolog.Logger) {
	for {
		p, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("vpn-exit: accept failed")
			continue
		}
		go handleConn(ctx, p, priv, policy, limiter, log)
	}
}

func handleConn(ctx context.Context, p pipe.Pipe, priv ed25519.PrivateKey, policy *fakedns.Policy, limiter *accounting.ExitRateLimiter, log zerolog.Logger) {
	authed, level, err := auth.ServerHandshake(p, priv, verify)
	if err != nil {
		log.Warn().Err(err).Str("remote", p.RemoteAddr()).Msg("vpn-exit: handshake failed")
		_ = p.Close()
		return
	}

	account, sink := exit.NewAccount(level == auth.LevelPlus)
	mx := mux.New(authed, true, mux.DefaultOptions(), log)

	exit.ServeSession(ctx, mx, exit.SessionConfig{
		Account: account,
		Limiter: limiter,
		Policy:  policy,
		Log:     log,
	}, sink)
}
