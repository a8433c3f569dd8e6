// MODUL: grid
// ZWECK: Bildraster aus CHW-Tensoren fuer Validierungs-Artefakte
// INPUT: gepackte CHW-Bilder, Rastergeometrie
// OUTPUT: ein RGBA-Bild, optional als PNG kodiert
// NEBENEFFEKTE: Dateisystem-Schreibzugriff bei SavePNG
// ABHAENGIGKEITEN: normalize.go, image/png
// HINWEISE: Zeilenweise Anordnung mit 2px Rand wie torchvision make_grid

package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os"
)

const gridPadding = 2

// Grid ordnet n gepackte CHW-Bilder der Groesse h x w zeilenweise in
// einem Raster mit cols Spalten an und invertiert die Normalisierung.
func Grid(chw []float32, n, h, w, cols int, mean, std [3]float32) (*image.RGBA, error) {
	if n <= 0 || cols <= 0 {
		return nil, fmt.Errorf("ungueltiges raster: n=%d cols=%d", n, cols)
	}
	if len(chw) != n*3*h*w {
		return nil, fmt.Errorf("tensor laenge %d, erwartet %d", len(chw), n*3*h*w)
	}

	rows := (n + cols - 1) / cols
	gw := cols*(w+gridPadding) + gridPadding
	gh := rows*(h+gridPadding) + gridPadding

	out := image.NewRGBA(image.Rect(0, 0, gw, gh))
	for i := 0; i < n; i++ {
		tile := ToImage(chw[i*3*h*w:(i+1)*3*h*w], h, w, mean, std)
		x0 := gridPadding + (i%cols)*(w+gridPadding)
		y0 := gridPadding + (i/cols)*(h+gridPadding)
		draw.Draw(out, image.Rect(x0, y0, x0+w, y0+h), tile, image.Point{}, draw.Src)
	}
	return out, nil
}

// EncodePNG kodiert ein Bild als PNG
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("png kodieren fehlgeschlagen: %w", err)
	}
	return buf.Bytes(), nil
}

// SavePNG schreibt ein Bild als PNG-Datei
func SavePNG(path string, img image.Image) error {
	data, err := EncodePNG(img)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
