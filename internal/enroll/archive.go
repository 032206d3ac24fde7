package enroll

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultArchiveDir is where raw enrollment frames are kept for auditing.
const DefaultArchiveDir = "training_images"

// Archive writes accepted enrollment frames to
// <root>/<identity>/<identity>_<YYYYmmdd_HHMMSS>_<index>.jpg.
// The archive is write-only; nothing reads it back.
type Archive struct {
	root string
}

// NewArchive returns an archive rooted at dir.
func NewArchive(dir string) *Archive {
	if dir == "" {
		dir = DefaultArchiveDir
	}
	return &Archive{root: dir}
}

// SamplePath returns the file an accepted capture is written to.
func (a *Archive) SamplePath(identity string, at time.Time, index int) string {
	name := safeName(identity)
	file := fmt.Sprintf("%s_%s_%d.jpg", name, at.Format("20060102_150405"), index)
	return filepath.Join(a.root, name, file)
}

// Save writes image and returns its path.
func (a *Archive) Save(identity string, at time.Time, index int, image []byte) (string, error) {
	path := a.SamplePath(identity, at, index)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, image, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// safeName keeps an identity usable as a single path element.
func safeName(identity string) string {
	r := strings.NewReplacer("/", "_", `\`, "_", "..", "_", "\x00", "")
	name := r.Replace(strings.TrimSpace(identity))
	if name == "" || name == "." {
		return "_"
	}
	return name
}
