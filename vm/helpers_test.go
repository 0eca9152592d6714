package vm

import "github.com/chazu/lumen/manifest"

// testConfig keeps the collection trigger far away so tests collect
// only when they say so.
func testConfig() manifest.Runtime {
	cfg := manifest.Default()
	cfg.GC.ThresholdBytes = 1 << 30
	return cfg
}
