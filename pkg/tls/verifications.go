// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"github.com/absmach/fluxlink/bridge"
	"github.com/absmach/fluxlink/pkg/tls/verifier"
	"github.com/absmach/fluxlink/pkg/tls/verifier/chain"
	"github.com/absmach/fluxlink/pkg/tls/verifier/ocsp"
)

// BuildVerifiers returns the peer verifiers enabled by cfg. Chain signature
// checks run before revocation checks.
func BuildVerifiers(cfg Config, keys bridge.KeyOps) ([]verifier.Verifier, error) {
	var vms []verifier.Verifier

	if cfg.VerifyChain && keys != nil {
		vms = append(vms, chain.New(keys))
	}

	if ocspEnabled(cfg.OCSP) {
		vm, err := ocsp.New(cfg.OCSP)
		if err != nil {
			return nil, err
		}
		vms = append(vms, vm)
	}

	if len(vms) == 0 {
		return nil, nil
	}

	return vms, nil
}

func ocspEnabled(cfg ocsp.Config) bool {
	return cfg.Depth > 0 || cfg.ResponderURL != ""
}
