// MODUL: normalize
// ZWECK: Normalisierung und Tensor-Konvertierung fuer die Trainingspipeline
// INPUT: ImageInput, Normalisierungs-Parameter (mean, std)
// OUTPUT: float32-Tensoren im CHW-Layout und zurueck
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: keine (nur Standardbibliothek)
// HINWEISE: Modelle rechnen auf CHW; ToImage invertiert fuer Artefakte

package vision

import (
	"image"
	"image/color"
)

// Standard-Normalisierungswerte fuer verschiedene Modelle
var (
	// ImageNet Default (ResNet, EfficientNet, etc.)
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}

	// ImageNet Standard (normalisiert auf [-1, 1])
	ImageNetStandardMean = [3]float32{0.5, 0.5, 0.5}
	ImageNetStandardStd  = [3]float32{0.5, 0.5, 0.5}

	// CLIP Default
	ClipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// NormalizeRGB normalisiert ein Bild mit gegebenen mean/std Werten
// Gibt einen float32-Slice im CHW Format zurueck (Channel-First)
func NormalizeRGB(img *ImageInput, mean, std [3]float32) []float32 {
	bounds := img.Image.Bounds()
	h := bounds.Dy()
	w := bounds.Dx()
	size := h * w

	result := make([]float32, size*3)
	rOffset := 0
	gOffset := size
	bOffset := size * 2

	idx := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b := extractRGB(img, x, y)

			result[rOffset+idx] = (r - mean[0]) / std[0]
			result[gOffset+idx] = (g - mean[1]) / std[1]
			result[bOffset+idx] = (b - mean[2]) / std[2]
			idx++
		}
	}

	return result
}

// extractRGB holt RGB-Werte als float32 im Bereich [0,1]
func extractRGB(img *ImageInput, x, y int) (float32, float32, float32) {
	c := img.Image.At(x, y)
	r, g, b, _ := c.RGBA()
	// RGBA gibt 16-bit Werte zurueck, auf 8-bit konvertieren
	return float32(r>>8) / 255.0, float32(g>>8) / 255.0, float32(b>>8) / 255.0
}

// ToImage invertiert die Normalisierung eines CHW-Tensors und liefert
// ein RGBA-Bild. Werte ausserhalb [0,1] werden geklemmt.
func ToImage(chw []float32, h, w int, mean, std [3]float32) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	size := h * w

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			r := chw[idx]*std[0] + mean[0]
			g := chw[size+idx]*std[1] + mean[1]
			b := chw[2*size+idx]*std[2] + mean[2]
			img.SetRGBA(x, y, color.RGBA{
				R: clampByte(r),
				G: clampByte(g),
				B: clampByte(b),
				A: 255,
			})
		}
	}
	return img
}

// clampByte skaliert [0,1] auf [0,255] mit Klemmung
func clampByte(v float32) uint8 {
	s := v * 255
	if s <= 0 {
		return 0
	}
	if s >= 255 {
		return 255
	}
	return uint8(s + 0.5)
}

// Dimensions gibt die Bild-Dimensionen als (H, W, C) zurueck
func (img *ImageInput) Dimensions() (int, int, int) {
	return img.Height, img.Width, 3
}

// TensorShape gibt die Tensor-Form fuer ein gegebenes Layout zurueck
func (img *ImageInput) TensorShape(channelFirst bool) []int {
	if channelFirst {
		return []int{3, img.Height, img.Width}
	}
	return []int{img.Height, img.Width, 3}
}
