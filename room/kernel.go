// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package room

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
)

// Kernel is the CRDT merge engine behind a room document. The kernel is
// the only code allowed to interpret update bytes. Implementations must be
// deterministic, commutative over any multiset of updates, and idempotent
// under duplicate Apply.
type Kernel interface {
	Apply(update []byte) error
	Snapshot() []byte
	SizeHint() int
}

// newKernel selects the build-time kernel. Alternative kernels replace
// this in their own build-tagged file.
var newKernel = func() Kernel { return newOpSetKernel() }

// opSetKernel is the default kernel: a content-addressed op set. An update
// is either a single opaque op or a snapshot pack of ops; merging is set
// union keyed by digest, which makes application order irrelevant and
// duplicates free. Snapshots list ops in digest order so that replicas
// holding the same set emit byte-equal snapshots.
type opSetKernel struct {
	ops  map[[sha256.Size]byte][]byte
	size int
}

// snapshotMagic prefixes a snapshot pack. A client op that happens to
// start with the same two bytes but is not a well-formed pack falls back
// to the single-op path; every replica parses identically either way, so
// convergence is unaffected.
var snapshotMagic = []byte{0xCB, 0x01}

const maxSnapshotOps = 1 << 20

func newOpSetKernel() *opSetKernel {
	return &opSetKernel{ops: make(map[[sha256.Size]byte][]byte)}
}

func (k *opSetKernel) Apply(update []byte) error {
	if len(update) >= 2 && update[0] == snapshotMagic[0] && update[1] == snapshotMagic[1] {
		if err := k.applyPack(update[2:]); err == nil {
			return nil
		}
	}
	k.insert(update)
	return nil
}

// applyPack parses the whole pack before inserting anything, so a
// malformed pack leaves the set untouched.
func (k *opSetKernel) applyPack(pack []byte) error {
	var parsed [][]byte
	for len(pack) > 0 {
		n, read := binary.Uvarint(pack)
		if read <= 0 {
			return fmt.Errorf("kernel: truncated op length in snapshot pack")
		}
		pack = pack[read:]
		if n > uint64(len(pack)) {
			return fmt.Errorf("kernel: op length %d exceeds remaining %d bytes", n, len(pack))
		}
		parsed = append(parsed, pack[:n])
		pack = pack[n:]
		if len(parsed) > maxSnapshotOps {
			return fmt.Errorf("kernel: snapshot pack exceeds %d ops", maxSnapshotOps)
		}
	}
	for _, op := range parsed {
		k.insert(op)
	}
	return nil
}

func (k *opSetKernel) insert(op []byte) {
	digest := sha256.Sum256(op)
	if _, ok := k.ops[digest]; ok {
		return
	}
	stored := make([]byte, len(op))
	copy(stored, op)
	k.ops[digest] = stored
	k.size += len(op)
}

func (k *opSetKernel) Snapshot() []byte {
	digests := make([][sha256.Size]byte, 0, len(k.ops))
	for d := range k.ops {
		digests = append(digests, d)
	}
	sort.Slice(digests, func(i, j int) bool {
		a, b := digests[i], digests[j]
		for n := range a {
			if a[n] != b[n] {
				return a[n] < b[n]
			}
		}
		return false
	})

	out := make([]byte, 0, 2+k.size+10*len(digests))
	out = append(out, snapshotMagic...)
	var lenBuf [binary.MaxVarintLen64]byte
	for _, d := range digests {
		op := k.ops[d]
		n := binary.PutUvarint(lenBuf[:], uint64(len(op)))
		out = append(out, lenBuf[:n]...)
		out = append(out, op...)
	}
	return out
}

func (k *opSetKernel) SizeHint() int {
	return k.size
}
