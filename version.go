package patchwork

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var rawVersion string

// Version is the release version of patchwork.
var Version = strings.TrimSpace(rawVersion)
