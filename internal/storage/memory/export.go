package memory

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// SessionExport is the root JSON structure of an exported session.
// Shapes are in render order: ascending z, ties by id.
type SessionExport struct {
	Session    string      `json:"session"`
	StartedAt  time.Time   `json:"startedAt"`
	ExportedAt time.Time   `json:"exportedAt"`
	Counter    int64       `json:"counter"`
	Shapes     []ShapeJSON `json:"shapes"`
}

// ShapeJSON is one exported shape.
type ShapeJSON struct {
	ID    string     `json:"id"`
	Kind  string     `json:"kind"`
	Color string     `json:"color"`
	Hex   string     `json:"hex"`
	Z     int64      `json:"z"`
	Pos   [2]float64 `json:"pos"`
	Users []string   `json:"users"`
}

// Export writes the session to OutputDir, gzipped when CompressOutput is
// set, and returns the file path.
func (b *Backend) Export(sessionID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("unknown session %q", sessionID)
	}
	export := b.buildExport(s)

	name := strings.NewReplacer(" ", "_", ":", "_", "/", "_", "\\", "_").Replace(sessionID)
	timestamp := export.ExportedAt.Format("20060102_150405")

	var filename string
	if b.cfg.CompressOutput {
		filename = fmt.Sprintf("%s_%s.json.gz", name, timestamp)
	} else {
		filename = fmt.Sprintf("%s_%s.json", name, timestamp)
	}
	outputPath := filepath.Join(b.cfg.OutputDir, filename)

	if err := os.MkdirAll(b.cfg.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	var err error
	if b.cfg.CompressOutput {
		err = writeGzipJSON(outputPath, export)
	} else {
		err = writeJSON(outputPath, export)
	}
	if err != nil {
		return "", err
	}

	s.dirty = false
	b.exports[sessionID] = outputPath
	return outputPath, nil
}

func (b *Backend) buildExport(s *SessionRecord) SessionExport {
	export := SessionExport{
		Session:    s.ID,
		StartedAt:  s.StartedAt,
		ExportedAt: b.now(),
		Counter:    s.Counter,
		Shapes:     make([]ShapeJSON, 0, len(s.Shapes)),
	}
	for _, rec := range s.Shapes {
		users := rec.Users
		if users == nil {
			users = []string{}
		}
		export.Shapes = append(export.Shapes, ShapeJSON{
			ID:    rec.ID,
			Kind:  string(rec.Kind),
			Color: string(rec.Color),
			Hex:   fmt.Sprintf("#%06X", rec.Color.Hex()),
			Z:     rec.Z,
			Pos:   [2]float64{rec.Position.X, rec.Position.Y},
			Users: users,
		})
	}
	sort.Slice(export.Shapes, func(i, j int) bool {
		a, c := export.Shapes[i], export.Shapes[j]
		if a.Z != c.Z {
			return a.Z < c.Z
		}
		return a.ID < c.ID
	})
	return export
}

func writeJSON(path string, data SessionExport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

func writeGzipJSON(path string, data SessionExport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if err := json.NewEncoder(gz).Encode(data); err != nil {
		gz.Close()
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return nil
}
