// Program switchboard runs a switchboard broker, and provides commands to
// call, serve and observe services through one.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/switchboard/broker"
	"github.com/creachadair/switchboard/catalog"
	"github.com/creachadair/switchboard/connector"
	"github.com/creachadair/switchboard/handler"
	"github.com/creachadair/switchboard/peers"
	"github.com/creachadair/switchboard/stream"
	"github.com/joho/godotenv"
)

const (
	defaultPort = "8080"
	fireTimeout = 10 * time.Second
)

var flags struct {
	EnvFile string `flag:"env,default=.env,Load environment variables from this file if it exists"`
	Broker  string `flag:"broker,Broker address (default $BROKER_URL, or localhost:$PORT)"`
	Secret  string `flag:"secret,Shared secret (default $SERVICE_KEY)"`
	LogJSON bool   `flag:"log-json,Write logs as JSON"`
	Debug   bool   `flag:"debug,Enable debug logging"`
}

var brokerFlags struct {
	Listen     string        `flag:"listen,Listen address (default :$PORT)"`
	Audit      string        `flag:"audit,Append audit records to this file (default $AUDIT_LOG)"`
	PendingTTL time.Duration `flag:"pending-ttl,Expire calls buffered for this long (0 means never)"`
	WebSocket  bool          `flag:"ws,Accept websocket connections at /ws instead of TCP"`
}

var callFlags struct {
	Timeout time.Duration `flag:"timeout,default=30s,Wait this long for a reply"`
}

var echoFlags struct {
	Mesh string `flag:"mesh,Accept direct links from other services at this host:port"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Usage:    "<command> [arguments]",
		Help:     "Run and interact with a switchboard service mesh.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Init:     setup,
		Commands: []*command.C{
			{
				Name:     "broker",
				Help:     "Run a broker until interrupted.",
				SetFlags: command.Flags(flax.MustBind, &brokerFlags),
				Run:      runBroker,
			},
			{
				Name:  "call",
				Usage: "<service> <method> [arg...]",
				Help: `Call a method of a service and print its result.

Each argument is sent as JSON if it is valid JSON, otherwise as a string.`,
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			{
				Name:  "read",
				Usage: "<service> <method> [arg...]",
				Help:  "Open a stream from a method of a service and copy it to stdout.",
				Run:   runRead,
			},
			{
				Name:  "fire",
				Usage: "<service> <event> [arg...]",
				Help:  "Fire an event on behalf of a service.",
				Run:   runFire,
			},
			{
				Name:  "listen",
				Usage: "<service> <event>",
				Help:  "Print events fired by a service until interrupted.",
				Run:   runListen,
			},
			{
				Name: "echo",
				Help: `Serve the Echo service until interrupted.

Methods:
  repeat(s)  : return s
  count(n)   : stream the numbers 1 to n, one per chunk
  store()    : read a stream and log its length
  describe() : return the methods of each service`,
				SetFlags: command.Flags(flax.MustBind, &echoFlags),
				Run:      runEcho,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// setup loads the environment file and fills in flag defaults from the
// environment.
func setup(env *command.Env) error {
	if err := godotenv.Load(flags.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load environment: %w", err)
	}
	port := getenv("PORT", defaultPort)
	flags.Broker = firstNonEmpty(flags.Broker, os.Getenv("BROKER_URL"), net.JoinHostPort("localhost", port))
	flags.Secret = firstNonEmpty(flags.Secret, os.Getenv("SERVICE_KEY"))

	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if flags.Debug {
		opts.Level = slog.LevelDebug
	}
	if flags.LogJSON {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}
	return nil
}

func runBroker(env *command.Env) error {
	if flags.Secret == "" {
		return env.Usagef("a shared secret is required (set -secret or SERVICE_KEY)")
	}
	listen := firstNonEmpty(brokerFlags.Listen, ":"+getenv("PORT", defaultPort))
	audit := firstNonEmpty(brokerFlags.Audit, os.Getenv("AUDIT_LOG"))

	opts := []broker.Option{broker.WithPendingTTL(brokerFlags.PendingTTL)}
	if audit != "" {
		af, err := broker.OpenAuditFile(audit)
		if err != nil {
			return err
		}
		defer af.Close()
		opts = append(opts, broker.WithAuditLog(af))
	}
	b, err := broker.New(flags.Secret, opts...)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, cancel := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	lst, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	slog.Info("broker listening", "addr", lst.Addr().String(), "websocket", brokerFlags.WebSocket)
	if !brokerFlags.WebSocket {
		return b.Run(ctx, peers.NetAccepter(lst))
	}

	acc := peers.NewWebSocketAccepter()
	defer acc.Close()
	mux := http.NewServeMux()
	mux.Handle("/ws", acc)
	srv := &http.Server{Handler: mux}
	go srv.Serve(lst)
	defer srv.Close()
	return b.Run(ctx, acc)
}

// start constructs a connector and runs it in the background until ctx
// ends. The returned function closes the connector.
func start(ctx context.Context, opts ...connector.Option) (*connector.Connector, func(), error) {
	if flags.Secret == "" {
		return nil, nil, errors.New("a shared secret is required (set -secret or SERVICE_KEY)")
	}
	c, err := connector.New(flags.Broker, flags.Secret, opts...)
	if err != nil {
		return nil, nil, err
	}
	done := make(chan struct{})
	go func() { defer close(done); c.Run(ctx) }()
	return c, func() { c.Close(); <-done }, nil
}

// parseArgs converts each argument to a JSON value: as written if it is
// valid JSON, otherwise as a string.
func parseArgs(args []string) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		if json.Valid([]byte(arg)) {
			out[i] = json.RawMessage(arg)
		} else {
			out[i] = arg
		}
	}
	return out
}

func runCall(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("missing service and method")
	}
	ctx, cancel := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	c, stop, err := start(ctx)
	if err != nil {
		return err
	}
	defer stop()

	cctx, ccancel := context.WithTimeout(ctx, callFlags.Timeout)
	defer ccancel()
	rsp, err := c.Call(cctx, env.Args[0], env.Args[1], parseArgs(env.Args[2:])...)
	if err != nil {
		return err
	}
	fmt.Println(string(rsp))
	return nil
}

func runRead(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("missing service and method")
	}
	ctx, cancel := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	c, stop, err := start(ctx)
	if err != nil {
		return err
	}
	defer stop()

	r, err := c.OpenReadStream(ctx, env.Args[0], env.Args[1], parseArgs(env.Args[2:])...)
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		chunk, err := r.Next(ctx)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		os.Stdout.Write(chunk)
	}
}

func runFire(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("missing service and event")
	}
	ctx, cancel := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	c, stop, err := start(ctx)
	if err != nil {
		return err
	}
	defer stop()

	// Subscribe to the event ourselves, so that its arrival confirms the
	// broker has fanned it out before we exit.
	seen := make(chan struct{}, 1)
	c.OnEvent(env.Args[0], env.Args[1], func([]json.RawMessage) {
		select {
		case seen <- struct{}{}:
		default:
		}
	})
	if err := c.FireEvent(env.Args[0], env.Args[1], parseArgs(env.Args[2:])...); err != nil {
		return err
	}
	select {
	case <-seen:
		return nil
	case <-time.After(fireTimeout):
		return errors.New("timed out waiting for event delivery")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runListen(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("need service and event")
	}
	ctx, cancel := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	c, stop, err := start(ctx)
	if err != nil {
		return err
	}
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	c.OnEvent(env.Args[0], env.Args[1], func(args []json.RawMessage) {
		enc.Encode(args)
	})
	<-ctx.Done()
	return nil
}

func runEcho(env *command.Env) error {
	ctx, cancel := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var opts []connector.Option
	if echoFlags.Mesh != "" {
		host, port, err := splitHostPort(echoFlags.Mesh)
		if err != nil {
			return err
		}
		lst, err := net.Listen("tcp", echoFlags.Mesh)
		if err != nil {
			return err
		}
		defer lst.Close()
		opts = append(opts, connector.WithMesh(peers.NetAccepter(lst), host, port))
	}
	c, stop, err := start(ctx, opts...)
	if err != nil {
		return err
	}
	defer stop()

	if err := c.Register(catalog.New("Echo").
		Call("repeat", handler.ParamResult(func(_ context.Context, s string) string { return s })).
		ReadStream("count", countStream).
		WriteStream("store", storeStream).
		Call("describe", c.Catalog().Handler),
	); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func countStream(ctx context.Context, w *stream.Writer, args []json.RawMessage) error {
	var n int
	if len(args) != 0 {
		if err := json.Unmarshal(args[0], &n); err != nil {
			return fmt.Errorf("count: %w", err)
		}
	}
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, i); err != nil {
			return err
		}
	}
	return nil
}

func storeStream(ctx context.Context, r *stream.Reader, _ []json.RawMessage) error {
	var total int
	for {
		chunk, err := r.Next(ctx)
		if err == io.EOF {
			slog.Info("stored stream", "id", r.ID(), "bytes", total)
			return nil
		} else if err != nil {
			return err
		}
		total += len(chunk)
	}
}

func splitHostPort(addr string) (string, int, error) {
	host, ps, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(ps)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", ps, err)
	}
	if host == "" {
		host = "localhost"
	}
	return host, port, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
