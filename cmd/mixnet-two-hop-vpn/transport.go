package main

import (
	"errors"

	"mixnet-two-hop-vpn/internal/core"
	"mixnet-two-hop-vpn/internal/tunnel"
)

// mixnetDialerFactory builds the Sphinx transport. The transport library is
// linked by the distribution build, which overrides this hook; the bare
// open-core build has no way to reach the mixnet.
var mixnetDialerFactory func(cfg core.Config, dataDir string) (tunnel.MixnetDialer, error)

func newMixnetDialer(cfg core.Config, dataDir string) (tunnel.MixnetDialer, error) {
	if mixnetDialerFactory == nil {
		return nil, errors.New("no mixnet transport linked into this build")
	}
	return mixnetDialerFactory(cfg, dataDir)
}
