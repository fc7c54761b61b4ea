package filestore

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/relaydesk/dispatch-engine/internal/session"
)

// Store resolves attachment file ids to transport media. The dispatcher
// silently skips attachments whose backing file is gone.
type Store interface {
	Exists(fileID string) bool
	Media(fileID string, displayName string) (session.Media, error)
}

// Dir serves attachments from a local directory, one file per file id.
type Dir struct {
	Root string
}

func NewDir(root string) *Dir { return &Dir{Root: root} }

func (d *Dir) path(fileID string) string {
	// file ids are opaque; strip any path components defensively
	return filepath.Join(d.Root, filepath.Base(fileID))
}

func (d *Dir) Exists(fileID string) bool {
	_, err := os.Stat(d.path(fileID))
	return err == nil
}

func (d *Dir) Media(fileID string, displayName string) (session.Media, error) {
	p := d.path(fileID)
	data, err := os.ReadFile(p)
	if err != nil {
		return session.Media{}, fmt.Errorf("read attachment %s: %w", fileID, err)
	}
	ext := filepath.Ext(p)
	name := filepath.Base(p)
	if displayName != "" {
		name = displayName + ext
	}
	mt := mime.TypeByExtension(ext)
	if mt == "" {
		mt = "application/octet-stream"
	}
	return session.Media{Filename: name, MIME: mt, Data: data}, nil
}
