package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"reflect"
	"time"

	"github.com/feltcanvas/felt/internal/canvas"
	"github.com/feltcanvas/felt/internal/config"
	"github.com/feltcanvas/felt/internal/geo"
	"github.com/feltcanvas/felt/internal/session"
	"github.com/feltcanvas/felt/internal/substrate/memory"
	"github.com/feltcanvas/felt/pkg/core"
)

const simSession = "sim"

var errDiverged = errors.New("clients diverged")

type simClient struct {
	client *memory.Client
	canvas *canvas.Canvas
}

// runSim joins several clients to one in-process session, has them create,
// drag, recolor and raise shapes, drops one client and checks that every
// remaining client converged on the same shape store.
func runSim(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("sim", flag.ContinueOnError)
	clients := fs.Int("clients", 3, "number of clients")
	shapes := fs.Int("shapes", 10, "shapes created by the first client")
	drags := fs.Int("drags", 6, "drag gestures, spread over the clients")
	loss := fs.Float64("loss", 0, "fraction of drag previews dropped between clients")
	transientOn := fs.Bool("transient", true, "preview drags over signals")
	seed := fs.Int64("seed", time.Now().UnixNano(), "random seed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *clients < 1 {
		return fmt.Errorf("%w: -clients must be at least 1", errUsage)
	}

	cc := config.GetCanvasConfig()
	rng := rand.New(rand.NewSource(*seed))
	logger := e.logger.With("session", simSession)

	svc := memory.NewService(
		memory.WithLogger(logger),
		memory.WithSignalFilter(func(from, to string) bool { return rng.Float64() >= *loss }),
	)

	sims := make([]*simClient, 0, *clients)
	for i := range *clients {
		c, err := svc.Join(core.Member{UserName: fmt.Sprintf("user-%d", i+1)}, nil)
		if err != nil {
			return err
		}
		sc := session.New(simSession, c, logger)
		cv := canvas.New(sc, canvas.Options{
			ShapeLimit:       cc.ShapeLimit,
			Bounds:           geo.Bounds{Width: cc.Width, Height: cc.Height, ShapeSize: cc.ShapeSize},
			TransientEnabled: *transientOn,
			Rand:             rand.New(rand.NewSource(rng.Int63())),
		})
		sims = append(sims, &simClient{client: c, canvas: cv})
	}
	svc.Flush()

	created := sims[0].canvas.CreateManyShapes(*shapes)
	svc.Flush()
	logger.Info("Shapes created", "count", created)

	for i := range *drags {
		if err := ctx.Err(); err != nil {
			return err
		}
		simDrag(sims[i%len(sims)].canvas, rng, svc.Flush)
	}

	// The last client leaves; everyone else sweeps its presence.
	if len(sims) > 1 {
		last := sims[len(sims)-1]
		last.canvas.Close()
		_ = last.client.Close()
		sims = sims[:len(sims)-1]
		svc.Flush()
	}

	for _, s := range sims {
		me := s.client.Audience().Myself()
		if err := printCanvas(e.out, fmt.Sprintf("%s [%s]", me.UserName, shortID(me.UserID)), s.canvas); err != nil {
			return err
		}
		fmt.Fprintln(e.out)
	}

	st := svc.Stats()
	fmt.Fprintf(e.out, "ops=%d droppedWrites=%d signals=%d signalsDropped=%d\n",
		st.Ops, st.DroppedWrites, st.Signals, st.SignalsDropped)

	return checkConverged(sims)
}

// simDrag runs one full gesture on a random shape, flushing between steps
// the way a UI would yield between input events.
func simDrag(cv *canvas.Canvas, rng *rand.Rand, flush func() int) {
	entries := cv.Entries()
	if len(entries) == 0 {
		return
	}
	target := entries[rng.Intn(len(entries))]

	if !cv.BeginDrag(target.ID) {
		return
	}
	flush()
	x, y := target.Position.X, target.Position.Y
	for range 3 {
		x += float64(rng.Intn(81) - 40)
		y += float64(rng.Intn(81) - 40)
		cv.DragTo(target.ID, x, y)
		flush()
	}
	cv.EndDrag(target.ID)
	cv.ChangeColorOfSelection(core.NextColor(target.Color))
	cv.BringSelectionToFront()
	flush()
}

func checkConverged(sims []*simClient) error {
	if len(sims) < 2 {
		return nil
	}
	want := sims[0].client.Shapes().All()
	for _, s := range sims[1:] {
		if got := s.client.Shapes().All(); !reflect.DeepEqual(want, got) {
			return fmt.Errorf("%w: %s has %d shapes, %s has %d", errDiverged,
				sims[0].client.Audience().Myself().UserName, len(want),
				s.client.Audience().Myself().UserName, len(got))
		}
	}
	return nil
}
