// dir.go - Verzeichnis-Datensatz
//
// Dieses Modul enthaelt:
// - DirDataset: rekursiver Scan eines Bildverzeichnisses
//
// Der Scan passiert einmal beim Oeffnen; Bilder werden erst beim
// Zugriff dekodiert.
package data

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"

	"github.com/ursa-ml/ursa/vision"
)

// DirDataset serves images found under a directory tree.
type DirDataset struct {
	cfg   Config
	paths []string
}

// OpenDir scans root recursively for supported images.
func OpenDir(root string, c Config) (*DirDataset, error) {
	var paths []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && vision.IsImagePath(p) {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoImages, root)
	}
	slices.Sort(paths)

	return &DirDataset{cfg: c, paths: paths}, nil
}

func (d *DirDataset) Len() int       { return len(d.paths) }
func (d *DirDataset) InputSize() int { return d.cfg.InputSize }

// Path returns the file backing example i.
func (d *DirDataset) Path(i int) string { return d.paths[i] }

func (d *DirDataset) Example(i int) ([]float32, error) {
	img, err := vision.LoadImage(d.paths[i])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.paths[i], err)
	}
	return vision.Transform(img, d.cfg.Res, d.cfg.InputSize)
}
