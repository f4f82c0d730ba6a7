// Command dynacachectl inspects and edits a dynacache table from the shell.
//
//	dynacachectl [flags] get KEY
//	dynacachectl [flags] set KEY VALUE|-
//	dynacachectl [flags] add KEY VALUE|-
//	dynacachectl [flags] delete KEY...
//	dynacachectl [flags] exists KEY
//	dynacachectl [flags] expire KEY
//	dynacachectl [flags] clear
//	dynacachectl [flags] check
//	dynacachectl [flags] config
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/dynacache"
	"github.com/unkn0wn-root/dynacache/codec"
	"github.com/unkn0wn-root/dynacache/config"
	zaplog "github.com/unkn0wn-root/dynacache/log/zap"
)

var errNotFound = errors.New("not found")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errNotFound) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("dynacachectl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath string
		backend    string
		table      string
		namespace  string
		ttl        time.Duration
	)
	fs.StringVar(&configPath, "config", "", "Path to a config file (default: ./dynacache.yaml)")
	fs.StringVar(&backend, "backend", "", "Override the primary backend (dynamodb, redis, memory)")
	fs.StringVar(&table, "table", "", "Override the table name")
	fs.StringVar(&namespace, "namespace", "", "Override the key namespace")
	fs.DurationVar(&ttl, "ttl", 0, "TTL for set, add and expire; 0 uses default_ttl, negative never expires")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if backend != "" {
		cfg.Backend = backend
	}
	if table != "" {
		cfg.Table = table
	}
	if namespace != "" {
		cfg.Namespace = namespace
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if cmd == "config" {
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = stdout.Write(out)
		return err
	}

	logger, err := newLogger(cfg.Log.Level, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	opts, err := config.Options[[]byte](cfg, codec.Bytes{})
	if err != nil {
		return err
	}
	opts.Logger = zaplog.New(logger)
	c, err := dynacache.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("close cache", zap.Error(err))
		}
	}()

	if ttl < 0 {
		ttl = dynacache.NoExpiration
	}
	return dispatch(ctx, c, cmd, rest, ttl, stdin, stdout)
}

func dispatch(ctx context.Context, c dynacache.Cache[[]byte], cmd string, args []string, ttl time.Duration, stdin io.Reader, stdout io.Writer) error {
	switch cmd {
	case "get":
		if err := want(cmd, args, 1); err != nil {
			return err
		}
		v, ok, err := c.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: %w", args[0], errNotFound)
		}
		_, err = stdout.Write(v)
		return err

	case "set", "add":
		if err := want(cmd, args, 2); err != nil {
			return err
		}
		v, err := value(args[1], stdin)
		if err != nil {
			return err
		}
		if cmd == "add" {
			return c.Add(ctx, args[0], v, ttl)
		}
		return c.Set(ctx, args[0], v, ttl)

	case "delete":
		if len(args) == 0 {
			return errors.New("delete: at least one key is required")
		}
		if len(args) == 1 {
			return c.Delete(ctx, args[0])
		}
		return c.MultiDelete(ctx, args)

	case "exists":
		if err := want(cmd, args, 1); err != nil {
			return err
		}
		ok, err := c.Exists(ctx, args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, ok)
		return err

	case "expire":
		if err := want(cmd, args, 1); err != nil {
			return err
		}
		ok, err := c.Expire(ctx, args[0], ttl)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: %w", args[0], errNotFound)
		}
		return nil

	case "clear":
		return c.Clear(ctx)

	case "check":
		if err := c.Open(ctx); err != nil {
			return err
		}
		_, err := fmt.Fprintln(stdout, "ok")
		return err
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func want(cmd string, args []string, n int) error {
	if len(args) != n {
		return fmt.Errorf("%s: expected %d argument(s), got %d", cmd, n, len(args))
	}
	return nil
}

// value reads the payload from stdin when arg is "-".
func value(arg string, stdin io.Reader) ([]byte, error) {
	if arg != "-" {
		return []byte(arg), nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return b, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}

func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}
