package files

import (
	"os"
	"path/filepath"
)

// FindUp searches dir and its ancestors for an entry called name, returning its path or "" if there is none.
func FindUp(name, dir string) string {
	curDir := dir
	for {
		p := filepath.Join(curDir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}
