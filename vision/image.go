// MODUL: image
// ZWECK: Bild-Laden, Skalierung und Zuschnitt fuer die Trainingspipeline
// INPUT: Dateipfad, Bytes oder io.Reader
// OUTPUT: ImageInput Struktur mit dekodiertem Bild
// NEBENEFFEKTE: Dateisystem-Lesezugriff bei LoadImage
// ABHAENGIGKEITEN: golang.org/x/image/draw (extern), image/jpeg, image/png
// HINWEISE: Alle Bilder werden als RGBA konvertiert, WebP benoetigt x/image/webp

package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"

	// Standard-Decoder registrieren
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ImageInput enthaelt ein dekodiertes Bild mit Metadaten
type ImageInput struct {
	Image  *image.RGBA
	Width  int
	Height int
	Format ImageFormat
}

// LoadImage laedt ein Bild von einem Dateipfad
func LoadImage(path string) (*ImageInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("datei lesen fehlgeschlagen: %w", err)
	}
	return LoadImageFromBytes(data)
}

// LoadImageFromBytes dekodiert ein Bild aus Byte-Daten
func LoadImageFromBytes(data []byte) (*ImageInput, error) {
	format := DetectFormat(data)
	if format == FormatUnknown {
		return nil, ErrUnknownFormat
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("bild dekodieren fehlgeschlagen: %w", err)
	}

	rgba := toRGBA(img)
	bounds := rgba.Bounds()

	return &ImageInput{
		Image:  rgba,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Format: format,
	}, nil
}

// DecodeImage dekodiert ein Bild aus einem io.Reader
func DecodeImage(reader io.Reader) (*ImageInput, error) {
	// Erst Daten puffern fuer Format-Erkennung
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("daten lesen fehlgeschlagen: %w", err)
	}
	return LoadImageFromBytes(data)
}

// toRGBA konvertiert ein beliebiges image.Image zu *image.RGBA
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)
	return rgba
}

// ResizeImage skaliert ein Bild bilinear auf die angegebene Groesse
func ResizeImage(img *ImageInput, width, height int) (*ImageInput, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("ungueltige Groesse: %dx%d", width, height)
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img.Image, img.Image.Bounds(), draw.Over, nil)

	return &ImageInput{
		Image:  dst,
		Width:  width,
		Height: height,
		Format: img.Format,
	}, nil
}

// ResizeShortestSide skaliert so, dass die kuerzere Seite target lang
// wird und das Seitenverhaeltnis erhalten bleibt.
func ResizeShortestSide(img *ImageInput, target int) (*ImageInput, error) {
	if target <= 0 {
		return nil, fmt.Errorf("ungueltige Groesse: %d", target)
	}

	w, h := img.Width, img.Height
	if w <= h {
		h = int(float64(h) * float64(target) / float64(w))
		w = target
	} else {
		w = int(float64(w) * float64(target) / float64(h))
		h = target
	}
	return ResizeImage(img, w, h)
}

// CenterCrop schneidet einen zentrierten Bereich aus
func CenterCrop(img *ImageInput, width, height int) (*ImageInput, error) {
	if width > img.Width || height > img.Height {
		return nil, fmt.Errorf("crop groesser als bild: %dx%d > %dx%d", width, height, img.Width, img.Height)
	}

	offsetX := (img.Width - width) / 2
	offsetY := (img.Height - height) / 2

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	srcRect := image.Rect(offsetX, offsetY, offsetX+width, offsetY+height)

	draw.Draw(dst, dst.Bounds(), img.Image, srcRect.Min, draw.Src)

	return &ImageInput{
		Image:  dst,
		Width:  width,
		Height: height,
		Format: img.Format,
	}, nil
}

// Composite entfernt Alpha-Kanal durch weissen Hintergrund
func Composite(img *ImageInput) *ImageInput {
	bounds := img.Image.Bounds()
	dst := image.NewRGBA(bounds)

	draw.Draw(dst, bounds, &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, bounds, img.Image, bounds.Min, draw.Over)

	return &ImageInput{
		Image:  dst,
		Width:  img.Width,
		Height: img.Height,
		Format: img.Format,
	}
}
