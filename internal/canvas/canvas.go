// Package canvas is the collaborative canvas engine of one client. It turns
// user actions into writes on the shared substrate and keeps the local
// mirror reconciled with whatever the substrate delivers.
//
// Local writes never touch the mirror directly. A write becomes visible
// when the substrate echoes it back in sequence, so every client renders
// the same sequence of states. The two exceptions are the live position of
// a shape being dragged locally and the short settling window between the
// end of a drag and the echo of its final position.
package canvas

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/feltcanvas/felt/internal/geo"
	"github.com/feltcanvas/felt/internal/mirror"
	"github.com/feltcanvas/felt/internal/presence"
	"github.com/feltcanvas/felt/internal/selection"
	"github.com/feltcanvas/felt/internal/session"
	"github.com/feltcanvas/felt/internal/substrate"
	"github.com/feltcanvas/felt/internal/transient"
	"github.com/feltcanvas/felt/pkg/core"
)

// DefaultShapeLimit is the maximum number of shapes on a canvas.
const DefaultShapeLimit = 100

// Options configures a Canvas.
type Options struct {
	ShapeLimit       int
	Bounds           geo.Bounds
	TransientEnabled bool
	Rand             *rand.Rand
}

// DefaultOptions returns the standard canvas configuration.
func DefaultOptions() Options {
	return Options{
		ShapeLimit:       DefaultShapeLimit,
		Bounds:           geo.DefaultBounds,
		TransientEnabled: true,
	}
}

// Canvas is the engine bound to one session.
type Canvas struct {
	sc     *session.Context
	shapes substrate.Collection
	maxZ   substrate.Counter
	self   string
	logger *slog.Logger

	limit  int
	bounds geo.Bounds

	tracker   *presence.Tracker
	selection *selection.Manager
	transient *transient.Channel
	mirror    *mirror.Mirror

	mu       sync.Mutex
	rng      *rand.Rand
	pending  map[string]struct{}
	settling map[string]core.Position
	unsubs   []func()
}

// New builds a canvas over the session and reconciles the mirror with the
// current contents of the shape store.
func New(sc *session.Context, opts Options) *Canvas {
	if opts.ShapeLimit <= 0 {
		opts.ShapeLimit = DefaultShapeLimit
	}
	if opts.Bounds == (geo.Bounds{}) {
		opts.Bounds = geo.DefaultBounds
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	sub := sc.Substrate()
	self := sc.Self().UserID
	tracker := presence.NewTracker(sub.Shapes(), sc.Logger())

	c := &Canvas{
		sc:        sc,
		shapes:    sub.Shapes(),
		maxZ:      sub.MaxZ(),
		self:      self,
		logger:    sc.Logger(),
		limit:     opts.ShapeLimit,
		bounds:    opts.Bounds,
		tracker:   tracker,
		selection: selection.New(self, tracker),
		transient: transient.New(sub.Signals(), opts.TransientEnabled, sc.Logger()),
		mirror:    mirror.New(),
		rng:       opts.Rand,
		pending:   make(map[string]struct{}),
		settling:  make(map[string]core.Position),
	}

	c.unsubs = append(c.unsubs,
		c.shapes.OnChange(c.onChange),
		c.selection.Subscribe(c.onSelection),
		c.transient.Listen(c.onDrag),
		sub.Audience().OnMemberRemoved(c.onMemberRemoved),
	)

	c.Reconcile()
	return c
}

// Close detaches the canvas from the substrate. It writes nothing.
func (c *Canvas) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
}

// Session returns the session context.
func (c *Canvas) Session() *session.Context { return c.sc }

// Mirror returns the local view entries.
func (c *Canvas) Mirror() *mirror.Mirror { return c.mirror }

// Selection returns the selection manager.
func (c *Canvas) Selection() *selection.Manager { return c.selection }

// Entries returns the view entries in render order.
func (c *Canvas) Entries() []mirror.Entry { return c.mirror.All() }

// ShapeCount returns the number of shapes in the shared store.
func (c *Canvas) ShapeCount() int { return c.shapes.Len() }

// NextZ reserves a z value above every value reserved so far.
func (c *Canvas) NextZ() int64 {
	return c.maxZ.Increment()
}

// CreateShape writes a new shape at the spawn point. It returns false when
// the canvas is full or kind or color is unknown.
func (c *Canvas) CreateShape(kind core.ShapeKind, color core.Color) (string, bool) {
	if !kind.Valid() || !color.Valid() {
		c.logger.Warn("Rejected shape", "kind", kind, "color", color)
		return "", false
	}
	if c.atLimit() {
		c.logger.Info("Shape limit reached", "limit", c.limit)
		return "", false
	}
	id := uuid.NewString()
	c.create(id, kind, color, c.bounds.Spawn())
	return id, true
}

// CreateManyShapes creates up to count shapes at random positions, cycling
// through kinds and colors. It returns how many were created.
func (c *Canvas) CreateManyShapes(count int) int {
	kind, color := core.Circle, core.Red
	created := 0
	for i := 0; i < count; i++ {
		kind = core.NextKind(kind)
		color = core.NextColor(color)
		if c.atLimit() {
			break
		}
		c.mu.Lock()
		pos := c.bounds.RandomPosition(c.rng)
		c.mu.Unlock()
		c.create(uuid.NewString(), kind, color, pos)
		created++
	}
	if created < count {
		c.logger.Info("Shape limit reached", "limit", c.limit, "requested", count, "created", created)
	}
	return created
}

// ChangeColorOfSelection recolors the selected shape.
func (c *Canvas) ChangeColorOfSelection(color core.Color) bool {
	id, ok := c.selection.Selected()
	if !ok || !color.Valid() {
		return false
	}
	c.shapes.Set(id, core.FieldColor, color)
	return true
}

// DeleteSelection deletes the selected shape and empties the selection.
func (c *Canvas) DeleteSelection() bool {
	id, ok := c.selection.Selected()
	if !ok {
		return false
	}
	c.shapes.Delete(id)
	c.selection.Forget()
	return true
}

// DeleteAll deletes every shape and returns how many deletes were written.
func (c *Canvas) DeleteAll() int {
	recs := c.shapes.All()
	for _, rec := range recs {
		c.shapes.Delete(rec.ID)
	}
	c.selection.Forget()
	return len(recs)
}

// BringSelectionToFront raises the selected shape above every other. It
// does nothing when the shape already holds the highest z.
func (c *Canvas) BringSelectionToFront() bool {
	id, ok := c.selection.Selected()
	if !ok {
		return false
	}
	rec, ok := c.shapes.Get(id)
	if !ok {
		return false
	}
	if rec.Z >= c.maxZ.Value() {
		return false
	}
	c.shapes.Set(id, core.FieldZ, c.NextZ())
	return true
}

// ToggleTransientChannel flips whether drags are previewed over signals
// and returns the new state.
func (c *Canvas) ToggleTransientChannel() bool {
	return c.transient.Toggle()
}

// TransientEnabled reports whether drags are previewed over signals.
func (c *Canvas) TransientEnabled() bool {
	return c.transient.Enabled()
}

// Select makes id the selection. Unknown ids are ignored.
func (c *Canvas) Select(id string) bool {
	if _, ok := c.shapes.Get(id); !ok {
		return false
	}
	c.selection.Select(id)
	return true
}

// ClearSelection empties the selection.
func (c *Canvas) ClearSelection() {
	c.selection.Clear()
}

// ClickBackground clears the selection and removes any presence of the
// local user left on other shapes.
func (c *Canvas) ClickBackground() {
	c.selection.Clear()
	c.tracker.SweepDepartedUser(c.self)
}

// BeginDrag selects id and marks it as dragged locally.
func (c *Canvas) BeginDrag(id string) bool {
	if !c.Select(id) {
		return false
	}
	e, ok := c.mirror.Get(id)
	if !ok {
		return false
	}
	e.Dragging = true
	c.mirror.Put(e)
	return true
}

// DragTo moves a dragged shape to (x, y), keeping it inside the canvas.
// With the transient channel on, the move is only previewed to others;
// otherwise it is written to the store.
func (c *Canvas) DragTo(id string, x, y float64) bool {
	e, ok := c.mirror.Get(id)
	if !ok || !e.Dragging {
		return false
	}
	pos := c.bounds.Clamp(e.Position, x, y)
	c.mirror.ApplyDrag(id, pos, e.Z)

	if c.transient.Enabled() {
		c.transient.Broadcast(transient.DragSignal{ID: id, X: pos.X, Y: pos.Y, Z: e.Z})
	} else {
		c.shapes.Set(id, core.FieldPosition, pos)
	}
	return true
}

// EndDrag writes the final position of a drag to the store. The entry
// keeps that position until the write is echoed back.
func (c *Canvas) EndDrag(id string) bool {
	e, ok := c.mirror.Get(id)
	if !ok || !e.Dragging {
		return false
	}
	e.Dragging = false

	c.mu.Lock()
	c.settling[id] = e.Position
	c.mu.Unlock()

	c.mirror.Put(e)
	c.shapes.Set(id, core.FieldPosition, e.Position)
	return true
}

// Reconcile brings every mirror entry in line with the shape store.
// Running it again without intervening changes has no effect.
func (c *Canvas) Reconcile() {
	seen := make(map[string]struct{})
	for _, rec := range c.shapes.All() {
		seen[rec.ID] = struct{}{}
		c.syncEntry(rec)
	}
	for _, id := range c.mirror.IDs() {
		if _, ok := seen[id]; !ok {
			c.dropEntry(id)
		}
	}
	c.pruneSelection()
}

func (c *Canvas) reconcileKeys(keys []string) {
	for _, id := range keys {
		if rec, ok := c.shapes.Get(id); ok {
			c.syncEntry(rec)
		} else {
			c.dropEntry(id)
		}
	}
	c.pruneSelection()
}

func (c *Canvas) syncEntry(rec core.ShapeRecord) {
	e, exists := c.mirror.Get(rec.ID)
	if !exists {
		e = mirror.Entry{ID: rec.ID}
	}

	c.mu.Lock()
	_, settling := c.settling[rec.ID]
	c.mu.Unlock()

	e.Kind = rec.Kind
	e.Color = rec.Color
	e.Z = rec.Z
	if !e.Dragging && !settling {
		e.Position = rec.Position
	}
	e.Users = rec.Users
	e.Selected = c.selection.IsSelected(rec.ID)
	e.ShowPresence = presence.ShouldShow(rec.Users, c.self)
	e.PresenceCount = presence.Others(rec.Users, c.self)

	c.mirror.Put(e)
}

func (c *Canvas) dropEntry(id string) {
	c.mu.Lock()
	delete(c.settling, id)
	c.mu.Unlock()
	c.mirror.Remove(id)
}

func (c *Canvas) pruneSelection() {
	id, ok := c.selection.Selected()
	if !ok {
		return
	}
	if _, exists := c.shapes.Get(id); !exists {
		c.selection.Forget()
	}
}

func (c *Canvas) onChange(changes []substrate.Change) {
	for _, ch := range changes {
		if ch.Seed {
			c.reseed()
			return
		}
	}

	keys := make([]string, 0, len(changes))

	c.mu.Lock()
	for _, ch := range changes {
		switch ch.Kind {
		case substrate.Inserted:
			if ch.Local {
				delete(c.pending, ch.Key)
			}
		case substrate.Updated:
			if target, ok := c.settling[ch.Key]; ok && ch.Local && ch.Field == core.FieldPosition {
				if rec, found := c.shapes.Get(ch.Key); found && rec.Position == target {
					delete(c.settling, ch.Key)
				}
			}
		case substrate.Deleted:
			delete(c.pending, ch.Key)
			delete(c.settling, ch.Key)
		}
		keys = append(keys, ch.Key)
	}
	c.mu.Unlock()

	c.reconcileKeys(keys)
}

// reseed runs after the store was replaced wholesale. Seeded records
// carry no origin, so pending creates and settling drags could never be
// matched to their echo; they are dropped and the whole mirror rebuilt.
// Writes still in flight are replayed by the substrate and show up when
// sequenced.
func (c *Canvas) reseed() {
	c.mu.Lock()
	clear(c.pending)
	clear(c.settling)
	c.mu.Unlock()
	c.Reconcile()
}

func (c *Canvas) onSelection(ch selection.Change) {
	keys := make([]string, 0, 2)
	if ch.Previous != "" {
		keys = append(keys, ch.Previous)
	}
	if ch.Current != "" {
		keys = append(keys, ch.Current)
	}
	c.reconcileKeys(keys)
}

func (c *Canvas) onDrag(sig transient.DragSignal) {
	e, ok := c.mirror.Get(sig.ID)
	if !ok || e.Dragging {
		return
	}
	c.mirror.ApplyDrag(sig.ID, core.Position{X: sig.X, Y: sig.Y}, sig.Z)
}

func (c *Canvas) onMemberRemoved(m core.Member) {
	for _, other := range c.sc.Substrate().Audience().Members() {
		if other.UserID == m.UserID {
			return
		}
	}
	if n := c.tracker.SweepDepartedUser(m.UserID); n > 0 {
		c.logger.Info("Cleared presence of departed user", "user", m.UserID, "shapes", n)
	}
}

func (c *Canvas) atLimit() bool {
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	return c.shapes.Len()+pending >= c.limit
}

func (c *Canvas) create(id string, kind core.ShapeKind, color core.Color, pos core.Position) {
	rec := core.ShapeRecord{
		ID:       id,
		Kind:     kind,
		Color:    color,
		Position: pos,
		Z:        c.NextZ(),
		Users:    []string{},
	}
	c.mu.Lock()
	c.pending[id] = struct{}{}
	c.mu.Unlock()
	c.shapes.Create(rec)
}
