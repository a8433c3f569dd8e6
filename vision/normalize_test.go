// MODUL: normalize_test
// ZWECK: Tests fuer Normalisierung, Transform und Raster
// INPUT: Synthetische Bilder
// OUTPUT: Testresultate
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: testing, image
// HINWEISE: Testet CHW-Konvertierung, Determinismus und Rastergeometrie

package vision

import (
	"image"
	"image/color"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// createTestImage erzeugt ein einfarbiges Testbild
func createTestImage(w, h int, c color.Color) *ImageInput {
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			rgba.Set(x, y, c)
		}
	}
	return &ImageInput{
		Image:  rgba,
		Width:  w,
		Height: h,
		Format: FormatPNG,
	}
}

func TestNormalizeRGB(t *testing.T) {
	// Graues Bild (127, 127, 127) ~ 0.5 nach Skalierung
	img := createTestImage(2, 2, color.RGBA{127, 127, 127, 255})

	// Standard-Normalisierung: (0.5 - 0.5) / 0.5 = 0
	result := NormalizeRGB(img, ImageNetStandardMean, ImageNetStandardStd)

	// CHW Format: 3 Channels mit je 4 Werten
	expectedLen := 12
	if len(result) != expectedLen {
		t.Errorf("Tensor Laenge = %d, erwartet %d", len(result), expectedLen)
	}

	// Bei 127/255 ~ 0.498, (0.498 - 0.5) / 0.5 ~ -0.004
	tolerance := float32(0.01)
	if result[0] > tolerance || result[0] < -tolerance {
		t.Errorf("Normalisierter Wert = %f, erwartet ~0", result[0])
	}
}

func TestNormalizeRGBLayout(t *testing.T) {
	// Rotes Bild: R-Ebene zuerst, dann G, dann B
	img := createTestImage(2, 1, color.RGBA{255, 0, 0, 255})
	result := NormalizeRGB(img, ImageNetStandardMean, ImageNetStandardStd)

	want := []float32{1, 1, -1, -1, -1, -1}
	if diff := cmp.Diff(want, result); diff != "" {
		t.Errorf("CHW Layout (-erwartet +erhalten):\n%s", diff)
	}
}

func TestToImageRoundTrip(t *testing.T) {
	img := createTestImage(4, 4, color.RGBA{200, 100, 50, 255})
	chw := NormalizeRGB(img, ImageNetStandardMean, ImageNetStandardStd)

	back := ToImage(chw, 4, 4, ImageNetStandardMean, ImageNetStandardStd)
	got := back.RGBAAt(1, 1)
	if got.R != 200 || got.G != 100 || got.B != 50 {
		t.Errorf("Pixel = (%d, %d, %d), erwartet (200, 100, 50)", got.R, got.G, got.B)
	}
}

func TestResizeShortestSide(t *testing.T) {
	cases := []struct {
		w, h, target, wantW, wantH int
	}{
		{100, 50, 25, 50, 25},
		{50, 100, 25, 25, 50},
		{64, 64, 32, 32, 32},
	}
	for _, tt := range cases {
		img := createTestImage(tt.w, tt.h, color.White)
		got, err := ResizeShortestSide(img, tt.target)
		if err != nil {
			t.Fatal(err)
		}
		if got.Width != tt.wantW || got.Height != tt.wantH {
			t.Errorf("ResizeShortestSide(%dx%d, %d) = %dx%d, erwartet %dx%d",
				tt.w, tt.h, tt.target, got.Width, got.Height, tt.wantW, tt.wantH)
		}
	}
}

func TestCenterCrop(t *testing.T) {
	// Bild mit markiertem Zentrum
	img := createTestImage(8, 8, color.Black)
	img.Image.Set(4, 4, color.White)

	crop, err := CenterCrop(img, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if crop.Width != 2 || crop.Height != 2 {
		t.Fatalf("Crop Groesse = %dx%d, erwartet 2x2", crop.Width, crop.Height)
	}
	if c := crop.Image.RGBAAt(1, 1); c.R != 255 {
		t.Errorf("Zentrum nicht im Ausschnitt: %v", c)
	}

	if _, err := CenterCrop(img, 16, 16); err == nil {
		t.Error("erwartet Fehler fuer Crop groesser als Bild")
	}
}

func TestTransformDeterministic(t *testing.T) {
	img := createTestImage(100, 80, color.RGBA{30, 60, 90, 255})

	a, err := Transform(img, 32, 16)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 3*16*16 {
		t.Fatalf("Tensor Laenge = %d, erwartet %d", len(a), 3*16*16)
	}

	b, err := Transform(img, 32, 16)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("Transform nicht deterministisch:\n%s", diff)
	}

	if _, err := Transform(img, 16, 32); err == nil {
		t.Error("erwartet Fehler wenn Crop groesser als Skalierung")
	}
}

func TestGrid(t *testing.T) {
	// 5 rote 4x4 Bilder in 2 Spalten -> 3 Zeilen
	one := NormalizeRGB(createTestImage(4, 4, color.RGBA{255, 0, 0, 255}), ImageNetStandardMean, ImageNetStandardStd)
	chw := make([]float32, 0, 5*len(one))
	for i := 0; i < 5; i++ {
		chw = append(chw, one...)
	}

	grid, err := Grid(chw, 5, 4, 4, 2, ImageNetStandardMean, ImageNetStandardStd)
	if err != nil {
		t.Fatal(err)
	}

	wantW := 2*(4+gridPadding) + gridPadding
	wantH := 3*(4+gridPadding) + gridPadding
	b := grid.Bounds()
	if b.Dx() != wantW || b.Dy() != wantH {
		t.Errorf("Raster = %dx%d, erwartet %dx%d", b.Dx(), b.Dy(), wantW, wantH)
	}

	// Erste Kachel beginnt nach dem Rand
	if c := grid.RGBAAt(gridPadding, gridPadding); c.R != 255 || c.G != 0 {
		t.Errorf("Kachel-Pixel = %v, erwartet rot", c)
	}

	if _, err := Grid(chw, 5, 4, 4, 0, ImageNetStandardMean, ImageNetStandardStd); err == nil {
		t.Error("erwartet Fehler fuer cols=0")
	}
}

func TestDetectFormat(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want ImageFormat
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, FormatJPEG},
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, FormatPNG},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBP"), FormatWebP},
		{"riff ohne webp", []byte("RIFF\x00\x00\x00\x00WAVE"), FormatUnknown},
		{"leer", nil, FormatUnknown},
	}
	for _, tt := range cases {
		if got := DetectFormat(tt.data); got != tt.want {
			t.Errorf("DetectFormat(%s) = %v, erwartet %v", tt.name, got, tt.want)
		}
	}
}

func TestComposite(t *testing.T) {
	// Halbtransparentes Rot auf weissem Grund
	img := createTestImage(2, 2, color.RGBA{128, 0, 0, 128})

	flat := Composite(img)
	c := flat.Image.RGBAAt(0, 0)
	if c.A != 255 {
		t.Errorf("Alpha = %d, erwartet 255", c.A)
	}
	if c.R <= c.G {
		t.Errorf("Rotanteil nicht erhalten: %v", c)
	}
}

func TestMimeType(t *testing.T) {
	for f, want := range map[ImageFormat]string{
		FormatJPEG:    "image/jpeg",
		FormatWebP:    "image/webp",
		FormatUnknown: "application/octet-stream",
	} {
		if got := f.MimeType(); got != want {
			t.Errorf("MimeType(%s) = %q, erwartet %q", f, got, want)
		}
	}
}

func TestIsImagePath(t *testing.T) {
	for path, want := range map[string]bool{
		"a/b/c.jpg":  true,
		"a/b/c.JPEG": true,
		"a/b/c.png":  true,
		"a/b/c.webp": true,
		"a/b/c.txt":  false,
		"a/b/c":      false,
	} {
		if got := IsImagePath(path); got != want {
			t.Errorf("IsImagePath(%q) = %v, erwartet %v", path, got, want)
		}
	}
}

func TestImageInputDimensions(t *testing.T) {
	img := createTestImage(100, 50, color.White)

	h, w, c := img.Dimensions()
	if h != 50 || w != 100 || c != 3 {
		t.Errorf("Dimensions() = (%d, %d, %d), erwartet (50, 100, 3)", h, w, c)
	}
}
