package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"text/tabwriter"

	"github.com/feltcanvas/felt/internal/api"
	"github.com/feltcanvas/felt/internal/config"
	"github.com/feltcanvas/felt/internal/discovery"
)

// relayFlags are shared by the commands talking to the relay's REST API.
type relayFlags struct {
	url      *string
	secret   *string
	discover *bool
}

func addRelayFlags(fs *flag.FlagSet) relayFlags {
	cc := config.GetClientConfig()
	return relayFlags{
		url:      fs.String("url", cc.URL, "relay WebSocket or HTTP URL"),
		secret:   fs.String("secret", cc.Secret, "relay secret"),
		discover: fs.Bool("discover", cc.Discover, "find the relay over mDNS instead of -url"),
	}
}

func (f relayFlags) client(ctx context.Context) (*api.Client, error) {
	target := *f.url
	if *f.discover {
		r, err := discovery.First(ctx)
		if err != nil {
			return nil, err
		}
		target = r.WebSocketURL()
	}
	base, err := api.BaseURLFromWebSocket(target)
	if err != nil {
		return nil, err
	}
	return api.New(base, *f.secret), nil
}

func runStatus(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	rf := addRelayFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := rf.client(ctx)
	if err != nil {
		return err
	}
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(e, st)
}

func runSessions(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	rf := addRelayFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := rf.client(ctx)
	if err != nil {
		return err
	}
	sessions, err := c.ListSessions(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tLIVE\tMEMBERS\tSHAPES\tCOUNTER\tSEQ")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%t\t%d\t%d\t%d\t%d\n", s.ID, s.Live, s.Members, s.Shapes, s.Counter, s.Seq)
	}
	return tw.Flush()
}

func runSession(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("session", flag.ContinueOnError)
	rf := addRelayFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(fs.Output(), "usage: feltctl session [flags] <session>")
		return errUsage
	}
	c, err := rf.client(ctx)
	if err != nil {
		return err
	}
	detail, err := c.GetSession(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return printJSON(e, detail)
}

func runExport(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	rf := addRelayFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(fs.Output(), "usage: feltctl export [flags] <session>")
		return errUsage
	}
	c, err := rf.client(ctx)
	if err != nil {
		return err
	}
	path, err := c.Export(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "exported %s to %s on the relay host\n", fs.Arg(0), path)
	return nil
}

func printJSON(e *env, v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
