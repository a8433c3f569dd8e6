// dataset.go - Datensatz-Zugriff
//
// Dieses Modul enthaelt:
// - Dataset: deterministischer Zugriff auf transformierte Beispiele
// - Config: Skalierungs- und Crop-Groessen der Eingabe-Pipeline
// - Open: oeffnet ein Verzeichnis oder Tar-Archiv
//
// Beispiel i liefert bei jedem Aufruf denselben Tensor; die Reihenfolge
// der Beispiele ist die lexikalische Reihenfolge der Dateinamen.
package data

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrNoImages = errors.New("dataset contains no images")

// Config describes the deterministic input pipeline: shortest side
// scaled to Res, then a centered InputSize crop.
type Config struct {
	Res       int
	InputSize int
}

func (c Config) validate() error {
	if c.Res <= 0 || c.InputSize <= 0 || c.InputSize > c.Res {
		return fmt.Errorf("invalid pipeline sizes: res %d, input size %d", c.Res, c.InputSize)
	}
	return nil
}

// Dataset provides deterministic access to transformed examples.
type Dataset interface {
	Len() int
	// Example returns example i as a CHW tensor in [-1, 1].
	Example(i int) ([]float32, error)
	InputSize() int
}

// Open opens a dataset path: a directory of images or a tar archive.
func Open(path string, c Config) (Dataset, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return OpenDir(path, c)
	}
	if strings.HasSuffix(path, ".tar") {
		return OpenTar(path, c)
	}
	return nil, fmt.Errorf("unsupported dataset %q (want directory or .tar)", path)
}
