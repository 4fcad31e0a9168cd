// ARMv8 VMSA page-table engine
// https://github.com/usbarmory/hyp-vmsa
//
// Copyright (c) The Hyp-VMSA Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package vmsa implements the ARMv8 Virtual Memory System Architecture
// page-table engine shared by a type-1 hypervisor's EL2 (stage-1) and
// guest VM (stage-2) translation regimes.
//
// The engine is a generic depth-first translation-table walker driven by
// one of four pluggable modifiers (map, unmap, lookup, prealloc). Callers
// never walk tables directly: they construct a HypController or a
// VMController and call Map, Remap, Unmap, UnmapMatching, Lookup or
// Preallocate, each of which runs as its own Start/Commit transaction.
//
// This package is only meant to be used with `GOARCH=arm64`, as supported
// by the TamaGo framework for bare metal Go, see
// https://github.com/usbarmory/tamago.
package vmsa
