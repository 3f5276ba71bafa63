//go:build cgo

package main

// Included only under cgo: routes the BLAS reference pass through the
// system BLAS (Accelerate on macOS, OpenBLAS on Linux) via netlib.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	log.Debug().Msg("CGO/BLAS acceleration enabled (netlib)")
}
