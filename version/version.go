// version.go - Versionsinformation
package version

// Version wird beim Release-Build via -ldflags gesetzt
var Version = "0.0.0"
