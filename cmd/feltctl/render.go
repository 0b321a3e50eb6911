package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/feltcanvas/felt/internal/canvas"
)

// printCanvas writes one client's view in render order.
func printCanvas(w io.Writer, title string, cv *canvas.Canvas) error {
	fmt.Fprintf(w, "%s (%d shapes, z counter %d)\n", title, cv.ShapeCount(), cv.Session().Substrate().MaxZ().Value())

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tKIND\tCOLOR\tX\tY\tZ\tUSERS\tSTATE")
	for _, e := range cv.Entries() {
		var state []string
		if e.Selected {
			state = append(state, "selected")
		}
		if e.Dragging {
			state = append(state, "dragging")
		}
		if e.ShowPresence {
			state = append(state, fmt.Sprintf("+%d", e.PresenceCount))
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%.0f\t%.0f\t%d\t%d\t%s\n",
			shortID(e.ID), e.Kind, e.Color, e.Position.X, e.Position.Y, e.Z, len(e.Users), strings.Join(state, ","))
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
