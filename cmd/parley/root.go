package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/parley"
	"github.com/outofforest/parley/console"
	"github.com/outofforest/parley/seal"
)

const (
	flagName       = "name"
	flagHost       = "host"
	flagPort       = "port"
	flagKey        = "key"
	flagPassphrase = "passphrase"
	flagSalt       = "salt"
	flagPeer       = "peer"
	flagStrictAuth = "strict-auth"
	flagVerbose    = "verbose"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("parley")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:          "parley",
		Short:        "Peer-to-peer chat encrypted with a pre-shared key",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return errors.WithStack(v.BindPFlags(cmd.Flags()))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			stdin, err := openStdin()
			if err != nil {
				return err
			}
			defer stdin.Close()

			return run(cmd.Context(), v, stdin, os.Stdout)
		},
	}

	cmd.Flags().String(flagName, "", "display name sent to peers (prompted if empty)")
	cmd.Flags().String(flagHost, "0.0.0.0", "address to listen on")
	cmd.Flags().String(flagPort, "", "port to listen on (prompted if empty)")
	cmd.Flags().String(flagKey, "", "hex-encoded 256-bit session key shared by all the peers")
	cmd.Flags().String(flagPassphrase, "", "passphrase the session key is derived from")
	cmd.Flags().String(flagSalt, "parley", "salt used with --passphrase")
	cmd.Flags().StringSlice(flagPeer, nil, "peer to keep connected to, may be repeated")
	cmd.Flags().Bool(flagStrictAuth, false, "disconnect peers sending messages which fail authentication")
	cmd.Flags().BoolP(flagVerbose, "v", false, "enable debug logging")

	return cmd
}

func run(ctx context.Context, v *viper.Viper, stdin io.ReadCloser, stdout io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log, err := newLogger(v.GetBool(flagVerbose))
	if err != nil {
		return err
	}
	defer func() {
		_ = log.Sync()
	}()
	ctx = logger.WithLogger(ctx, log)

	in := bufio.NewReader(stdin)

	name := v.GetString(flagName)
	if name == "" {
		if name, err = prompt(in, stdout, "Enter your username:"); err != nil {
			return err
		}
	}

	portStr := v.GetString(flagPort)
	if portStr == "" {
		if portStr, err = prompt(in, stdout, "Enter the port to listen on:"); err != nil {
			return err
		}
	}
	port, err := parsePort(portStr)
	if err != nil {
		return err
	}

	key, err := sessionKey(v, stdout)
	if err != nil {
		return err
	}

	ls, err := net.Listen("tcp", net.JoinHostPort(v.GetString(flagHost), strconv.Itoa(int(port))))
	if err != nil {
		return errors.Wrap(err, "binding listener failed")
	}
	log.Info("Listening", zap.Stringer("address", ls.Addr()))

	node, recvCh, err := parley.NewNode(parley.Config{
		Name:                 name,
		Key:                  key,
		Peers:                v.GetStringSlice(flagPeer),
		StrictAuthentication: v.GetBool(flagStrictAuth),
	})
	if err != nil {
		_ = ls.Close()
		return err
	}

	c := console.New(node, struct {
		io.Reader
		io.Closer
	}{in, stdin}, stdout)

	err = parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("node", parallel.Fail, func(ctx context.Context) error {
			return node.Run(ctx, ls)
		})
		spawn("display", parallel.Fail, func(ctx context.Context) error {
			return c.Display(ctx, recvCh)
		})
		spawn("console", parallel.Exit, c.Run)
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newLogger(verbose bool) (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	config.DisableStacktrace = !verbose
	if !verbose {
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	log, err := config.Build()
	return log, errors.WithStack(err)
}

func prompt(in *bufio.Reader, out io.Writer, question string) (string, error) {
	if _, err := fmt.Fprintln(out, question); err != nil {
		return "", errors.WithStack(err)
	}

	answer, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && answer != "") {
		return "", errors.Wrap(err, "reading answer failed")
	}
	return strings.TrimSpace(answer), nil
}

func parsePort(s string) (uint16, error) {
	port, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, errors.Errorf("invalid port number %q", s)
	}
	return uint16(port), nil
}

func sessionKey(v *viper.Viper, out io.Writer) (seal.Key, error) {
	keyHex := v.GetString(flagKey)
	passphrase := v.GetString(flagPassphrase)

	switch {
	case keyHex != "" && passphrase != "":
		return seal.Key{}, errors.Errorf("--%s and --%s are mutually exclusive", flagKey, flagPassphrase)
	case keyHex != "":
		return seal.KeyFromHex(keyHex)
	case passphrase != "":
		return seal.KeyFromPassphrase(passphrase, v.GetString(flagSalt))
	default:
		key, err := seal.NewKey()
		if err != nil {
			return seal.Key{}, err
		}
		if _, err := fmt.Fprintf(out, "Generated session key, share it with your peers: %s\n", key); err != nil {
			return seal.Key{}, errors.WithStack(err)
		}
		return key, nil
	}
}
