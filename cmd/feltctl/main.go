// Command feltctl drives canvas sessions without a UI.
//
//	feltctl sim      run several clients against an in-process session
//	feltctl bot      join a relay session and perform scripted gestures
//	feltctl status   print relay statistics
//	feltctl sessions list the relay's sessions
//	feltctl session  print one session
//	feltctl export   export a session on the relay
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/feltcanvas/felt/internal/config"
	"github.com/feltcanvas/felt/internal/logging"
)

const ProgramName = "feltctl"

var errUsage = errors.New("usage")

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, env *env, args []string) error
}

var commands = []command{
	{"sim", "run several clients against an in-process session", runSim},
	{"bot", "join a relay session and perform scripted gestures", runBot},
	{"status", "print relay statistics", runStatus},
	{"sessions", "list the relay's sessions", runSessions},
	{"session", "print one session", runSession},
	{"export", "export a session on the relay", runExport},
}

// env is shared by every subcommand.
type env struct {
	out    io.Writer
	logs   *logging.SlogManager
	logger *slog.Logger
	level  string
	opts   []logging.Option
}

func main() {
	global := flag.NewFlagSet(ProgramName, flag.ExitOnError)
	configDir := global.String("config", ".", "directory containing "+config.ConfigFileName)
	logLevel := global.String("log-level", "", "log level, overrides logLevel")
	global.Usage = func() { usage(global.Output()) }
	_ = global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) == 0 {
		usage(os.Stderr)
		os.Exit(2)
	}

	e := setup(*configDir, *logLevel)
	defer e.logs.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, cmd := range commands {
		if cmd.name != args[0] {
			continue
		}
		err := cmd.run(ctx, e, args[1:])
		if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %s: %v\n", ProgramName, cmd.name, err)
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "%s: unknown command %q\n", ProgramName, args[0])
	usage(os.Stderr)
	os.Exit(2)
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: %s [-config dir] [-log-level level] <command> [flags]\n\ncommands:\n", ProgramName)
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-9s %s\n", cmd.name, cmd.summary)
	}
}

// setup loads the config and logs to stderr so stdout stays clean for
// command output. A missing config file is fine for a CLI.
func setup(configDir, levelOverride string) *env {
	logs := logging.NewSlogManager()
	logs.Setup(os.Stderr, "warn", nil)

	if err := config.Load(configDir); err != nil {
		logs.Logger().Debug("No config file, using defaults", "error", err)
	}
	level := config.GetString("logLevel")
	if levelOverride != "" {
		level = levelOverride
	}

	var opts []logging.Option
	if gl := config.GetGraylogConfig(); gl.Enabled {
		opts = append(opts, logging.WithGraylog(gl.Address))
	}
	logs.Setup(os.Stderr, level, nil, opts...)

	return &env{
		out:    os.Stdout,
		logs:   logs,
		logger: logs.Logger().With("program", ProgramName),
		level:  level,
		opts:   opts,
	}
}
