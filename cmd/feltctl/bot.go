package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/feltcanvas/felt/internal/canvas"
	"github.com/feltcanvas/felt/internal/config"
	"github.com/feltcanvas/felt/internal/discovery"
	"github.com/feltcanvas/felt/internal/dispatcher"
	"github.com/feltcanvas/felt/internal/geo"
	"github.com/feltcanvas/felt/internal/logging"
	"github.com/feltcanvas/felt/internal/session"
	"github.com/feltcanvas/felt/internal/substrate/wsclient"
	"github.com/feltcanvas/felt/pkg/core"
)

const botLoopQueue = 256

// runBot joins a relay session and performs scripted gestures: it creates
// shapes, then keeps dragging random shapes until the drag budget or the
// duration runs out, and prints its final view.
func runBot(ctx context.Context, e *env, args []string) error {
	cc := config.GetClientConfig()
	canvasCfg := config.GetCanvasConfig()

	fs := flag.NewFlagSet("bot", flag.ContinueOnError)
	url := fs.String("url", cc.URL, "relay WebSocket URL")
	secret := fs.String("secret", cc.Secret, "relay secret")
	sessionID := fs.String("session", cc.Session, "session to join")
	name := fs.String("name", cc.UserName, "display name")
	discover := fs.Bool("discover", cc.Discover, "find the relay over mDNS instead of -url")
	shapes := fs.Int("shapes", 5, "shapes to create after joining")
	drags := fs.Int("drags", 10, "drag gestures to perform, 0 for none")
	interval := fs.Duration("interval", 500*time.Millisecond, "pause between gestures")
	linger := fs.Duration("linger", 0, "stay connected this long after the script, -1 until interrupted")
	transientOn := fs.Bool("transient", canvasCfg.TransientEnabled, "preview drags over signals")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		*name, _ = os.Hostname()
	}

	if *discover {
		r, err := discovery.First(ctx)
		if err != nil {
			return err
		}
		*url = r.WebSocketURL()
		e.logger.Info("Discovered relay", "instance", r.Instance, "url", *url)
	}

	// Records carry the connection state of the session once it exists.
	var current atomic.Pointer[session.Context]
	e.logs.Setup(os.Stderr, e.level, nil, append(e.opts, logging.WithContext(func() []slog.Attr {
		if sc := current.Load(); sc != nil {
			return []slog.Attr{slog.String("status", sc.Status().String())}
		}
		return nil
	}))...)
	logger := e.logs.Logger().With("program", ProgramName)

	loop, err := dispatcher.New(logger, dispatcher.WithQueue(botLoopQueue))
	if err != nil {
		return err
	}
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go func() {
		if err := loop.Run(loopCtx); err != nil && loopCtx.Err() == nil {
			logger.Error("Event loop stopped", "error", err)
		}
	}()

	client, err := wsclient.Dial(ctx, wsclient.Config{
		URL:              *url,
		Secret:           *secret,
		Session:          *sessionID,
		Member:           core.Member{UserName: *name},
		AckTimeout:       cc.AckTimeout,
		ReconnectBackoff: cc.ReconnectBackoff,
	}, loop, logger)
	if err != nil {
		return fmt.Errorf("joining %s: %w", *sessionID, err)
	}
	defer client.Close()

	sc := session.New(*sessionID, client, logger)
	current.Store(sc)
	client.OnStatus(func(on bool) {
		if on {
			sc.SetStatus(session.StatusConnected)
		} else {
			sc.SetStatus(session.StatusDisconnected)
		}
	})

	var cv *canvas.Canvas
	if err := loop.Do(ctx, func() {
		cv = canvas.New(sc, canvas.Options{
			ShapeLimit:       canvasCfg.ShapeLimit,
			Bounds:           geo.Bounds{Width: canvasCfg.Width, Height: canvasCfg.Height, ShapeSize: canvasCfg.ShapeSize},
			TransientEnabled: *transientOn,
		})
		cv.CreateManyShapes(*shapes)
	}); err != nil {
		return err
	}
	defer func() { _ = loop.Post(cv.Close) }()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < *drags; i++ {
		if err := botDrag(ctx, loop, cv, rng, *interval); err != nil {
			break
		}
	}

	switch {
	case *linger < 0:
		<-ctx.Done()
	case *linger > 0:
		select {
		case <-ctx.Done():
		case <-time.After(*linger):
		}
	}

	printCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return loop.Do(printCtx, func() {
		_ = printCanvas(e.out, fmt.Sprintf("%s in %s", *name, *sessionID), cv)
	})
}

// botDrag performs one gesture. Each step runs on the event loop; the
// pauses between steps happen off the loop so deliveries keep flowing.
func botDrag(ctx context.Context, loop *dispatcher.Dispatcher, cv *canvas.Canvas, rng *rand.Rand, pause time.Duration) error {
	var id string
	var x, y float64
	if err := loop.Do(ctx, func() {
		entries := cv.Entries()
		if len(entries) == 0 {
			return
		}
		target := entries[rng.Intn(len(entries))]
		if cv.BeginDrag(target.ID) {
			id, x, y = target.ID, target.Position.X, target.Position.Y
		}
	}); err != nil || id == "" {
		return err
	}

	step := pause / 4
	for range 4 {
		if err := sleep(ctx, step); err != nil {
			return err
		}
		x += float64(rng.Intn(61) - 30)
		y += float64(rng.Intn(61) - 30)
		if err := loop.Do(ctx, func() { cv.DragTo(id, x, y) }); err != nil {
			return err
		}
	}
	return loop.Do(ctx, func() {
		cv.EndDrag(id)
		if rng.Intn(3) == 0 {
			cv.BringSelectionToFront()
		}
		cv.ClickBackground()
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
