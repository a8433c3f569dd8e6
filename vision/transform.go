// MODUL: transform
// ZWECK: Deterministische Eingabe-Pipeline Bild -> Modelltensor
// INPUT: ImageInput, Skalierungs- und Crop-Groessen
// OUTPUT: CHW float32-Tensor in [-1, 1]
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: image.go, normalize.go
// HINWEISE: Bewusst augmentierungsfrei, damit Latent-Zuordnungen stabil bleiben

package vision

import "fmt"

// Transform skaliert die kuerzeste Seite auf res, schneidet zentriert
// inputSize x inputSize aus und normalisiert auf [-1, 1] im CHW-Layout.
// Jeder Aufruf mit demselben Bild liefert denselben Tensor.
func Transform(img *ImageInput, res, inputSize int) ([]float32, error) {
	if inputSize > res {
		return nil, fmt.Errorf("crop %d groesser als skalierung %d", inputSize, res)
	}

	resized, err := ResizeShortestSide(img, res)
	if err != nil {
		return nil, err
	}
	cropped, err := CenterCrop(resized, inputSize, inputSize)
	if err != nil {
		return nil, err
	}
	return NormalizeRGB(cropped, ImageNetStandardMean, ImageNetStandardStd), nil
}
