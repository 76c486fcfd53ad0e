// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package room

// Document is a room's CRDT state. It never inspects update bytes itself;
// everything is delegated to the build-time kernel. Not safe for
// concurrent use: the owning coordinator is the only mutator.
type Document struct {
	kernel Kernel
}

func NewDocument() *Document {
	return &Document{kernel: newKernel()}
}

// Apply merges an incoming byte update into the document.
func (d *Document) Apply(update []byte) error {
	return d.kernel.Apply(update)
}

// Snapshot produces a self-contained update representing the full state.
func (d *Document) Snapshot() []byte {
	return d.kernel.Snapshot()
}

// SizeHint reports the approximate retained byte size.
func (d *Document) SizeHint() int {
	return d.kernel.SizeHint()
}
