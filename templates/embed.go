// Package templates provides the embedded default pipeline and target
// manifests used when a project declares none of its own.
package templates

import "embed"

// Pipeline is the default thirteen-phase pipeline manifest.
//
//go:embed pipeline.yaml
var Pipeline []byte

// Manifests contains the default target manifests, one file per
// agent or tool.
//
//go:embed manifests/*.yaml
var Manifests embed.FS
