package source

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/elonfeng/wdpv/pkg/pageview"
)

// Dir lists dumps in a local YYYY/YYYY-MM/ tree, like the Toolforge dump mount.
type Dir struct {
	root string
}

// NewDir creates a directory source rooted at root.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

func (d *Dir) Name() Type { return TypeDir }

func (d *Dir) List(ctx context.Context, since time.Time) ([]File, error) {
	since = since.UTC()
	minYear := since.Format("2006")
	minMonth := since.Format("2006-01")
	minName := pageview.FileName(since)

	var files []File
	err := filepath.WalkDir(d.root, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, _ := filepath.Rel(d.root, path)
		if rel == "." {
			return nil
		}
		name := e.Name()

		if e.IsDir() {
			// Directory names sort like the hours they hold.
			switch strings.Count(filepath.ToSlash(rel), "/") {
			case 0:
				if len(name) != 4 || name < minYear {
					return fs.SkipDir
				}
			case 1:
				if len(name) != 7 || name < minMonth {
					return fs.SkipDir
				}
			default:
				return fs.SkipDir
			}
			return nil
		}

		if name < minName {
			return nil
		}
		if f, ok := newFile(name, path); ok && inPlace(filepath.ToSlash(rel), f) {
			files = append(files, f)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", d.root, err)
	}
	return newestFirst(files), nil
}

func (d *Dir) Open(_ context.Context, f File) (io.ReadCloser, error) {
	r, err := os.Open(f.Location)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	return r, nil
}
