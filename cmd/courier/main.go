// Command courier is a small utility for exercising a courier deployment:
// it can run a smoke-test service and issue one-shot calls against any
// service on the broker.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/courier/pkg/config"
	"github.com/odvcencio/courier/pkg/courier"
	"github.com/odvcencio/courier/pkg/faults"
	"github.com/odvcencio/courier/pkg/transport"
	"github.com/odvcencio/courier/pkg/wire"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "courier:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: courier <serve|call|fire> [flags]")
	}

	switch args[0] {
	case "serve":
		return cmdServe(args[1:])
	case "call":
		return cmdClient(args[1:], true)
	case "fire":
		return cmdClient(args[1:], false)
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func openBroker(uri string) (transport.Broker, error) {
	switch {
	case strings.HasPrefix(uri, "amqp://"), strings.HasPrefix(uri, "amqps://"):
		return transport.DialAMQP(uri)
	case strings.HasPrefix(uri, "nats://"):
		return transport.DialNATS(uri)
	case strings.HasPrefix(uri, "mem://"):
		return transport.NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("unsupported broker URI %q", uri)
	}
}

func dial(cfg *config.Config, name string) (transport.Broker, *courier.Conn, error) {
	broker, err := openBroker(cfg.Broker.URI)
	if err != nil {
		return nil, nil, err
	}
	conn, err := courier.Dial(broker, name,
		courier.WithSysname(cfg.Service.Sysname),
		courier.WithExchange(cfg.Broker.Exchange),
		courier.WithDurable(cfg.Broker.Durable),
		courier.WithAutoDelete(cfg.Broker.AutoDelete),
		courier.WithInnerTimeout(cfg.Consumer.InnerTimeout),
		courier.WithHeartbeat(cfg.Consumer.Heartbeat),
	)
	if err != nil {
		broker.Close()
		return nil, nil, err
	}
	return broker, conn, nil
}

// cmdServe runs a smoke-test service with echo, add, and ping operations
// until interrupted.
func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config")
	name := fs.String("name", "courier-demo", "service name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	broker, conn, err := dial(cfg, *name)
	if err != nil {
		return err
	}
	defer broker.Close()
	defer conn.Disconnect()

	err = conn.Handle("echo", func(args wire.Args) (any, error) {
		return args["value"], nil
	})
	if err != nil {
		return err
	}
	err = conn.Handle("add", func(args wire.Args) (any, error) {
		a, err := args.Float("a")
		if err != nil {
			return nil, err
		}
		b, err := args.Float("b")
		if err != nil {
			return nil, err
		}
		return a + b, nil
	}, courier.WithParams("a", "b"))
	if err != nil {
		return err
	}
	err = conn.Handle("ping", func(args wire.Args) (any, error) {
		return "pong", nil
	}, courier.WithSenderParam("sender"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("serving", slog.String("service", *name), slog.String("broker", cfg.Broker.URI))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return conn.Consume(0, 0)
	})
	g.Go(func() error {
		<-ctx.Done()
		conn.Cancel(true)
		return nil
	})
	return g.Wait()
}

// cmdClient issues a single call or fire. Arguments are key=value pairs;
// values parse as JSON scalars where possible, else as strings.
func cmdClient(args []string, await bool) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config")
	name := fs.String("name", "courier-cli", "caller identity")
	timeout := fs.Duration("timeout", 5*time.Second, "reply timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 2 {
		return fmt.Errorf("usage: courier %s <service> <operation> [key=value ...]",
			map[bool]string{true: "call", false: "fire"}[await])
	}
	service, op := rest[0], rest[1]
	opArgs, err := parseArgs(rest[2:])
	if err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	broker, conn, err := dial(cfg, *name)
	if err != nil {
		return err
	}
	defer broker.Close()
	defer conn.Disconnect()

	if !await {
		return conn.Fire(service, op, opArgs)
	}

	result, err := conn.Call(context.Background(), service, op, *timeout, opArgs)
	if err != nil {
		var fe *faults.Error
		if errors.As(err, &fe) && fe.Traceback != "" {
			fmt.Fprintln(os.Stderr, fe.Traceback)
		}
		return err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func parseArgs(pairs []string) (wire.Args, error) {
	args := wire.Args{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("argument %q is not key=value", pair)
		}
		args[key] = parseValue(value)
	}
	return args, nil
}

func parseValue(s string) any {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
