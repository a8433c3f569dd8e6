// tar.go - Tar-Archiv-Datensatz
//
// Dieses Modul enthaelt:
// - TarDataset: wahlfreier Zugriff auf Bilder in einem Tar-Archiv
//
// Beim Oeffnen wird das Archiv einmal sequenziell indiziert
// (Name, Offset, Groesse je Eintrag); danach lesen beliebig viele
// Goroutinen gleichzeitig ueber ReadAt-Sektionen.
package data

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/ursa-ml/ursa/vision"
)

type tarEntry struct {
	name   string
	offset int64
	size   int64
}

// TarDataset serves images stored in an uncompressed tar archive.
type TarDataset struct {
	cfg     Config
	f       *os.File
	entries []tarEntry
}

// OpenTar indexes the archive and keeps the file open for ReadAt access.
func OpenTar(path string, c Config) (*TarDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	cr := &countingReader{r: f}
	tr := tar.NewReader(cr)

	var entries []tarEntry
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("index %s: %w", path, err)
		}
		if hdr.Typeflag != tar.TypeReg || !vision.IsImagePath(hdr.Name) {
			continue
		}
		// Nach Next() steht der Zaehler am Anfang des Eintrags-Inhalts
		entries = append(entries, tarEntry{name: hdr.Name, offset: cr.n, size: hdr.Size})
	}
	if len(entries) == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrNoImages, path)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	return &TarDataset{cfg: c, f: f, entries: entries}, nil
}

func (t *TarDataset) Len() int       { return len(t.entries) }
func (t *TarDataset) InputSize() int { return t.cfg.InputSize }

// Path returns the archive member name backing example i.
func (t *TarDataset) Path(i int) string { return t.entries[i].name }

func (t *TarDataset) Example(i int) ([]float32, error) {
	e := t.entries[i]
	img, err := vision.DecodeImage(io.NewSectionReader(t.f, e.offset, e.size))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.name, err)
	}
	return vision.Transform(img, t.cfg.Res, t.cfg.InputSize)
}

func (t *TarDataset) Close() error {
	return t.f.Close()
}

// countingReader tracks how many bytes the tar reader consumed.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
