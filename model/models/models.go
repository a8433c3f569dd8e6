// models.go - Registrierung aller Architekturen
//
// Blank-Imports ziehen die init()-Registrierung der einzelnen
// Architektur-Pakete in jedes Binary, das dieses Paket importiert.
package models

import (
	_ "github.com/ursa-ml/ursa/model/models/patchae"
)
