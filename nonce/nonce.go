// Package nonce implements the 32-bit command-authenticator generator the
// pod challenges against on every nonce-bearing exchange (spec.md §4.2).
// NonceGen is named as an external collaborator in spec.md §1 ("the
// nonce-sequence generator algorithm itself" is out of scope), so this is
// a reference implementation: a seed-table generator whose per-index
// derivation is grounded on the HMAC key-derivation helpers
// (generateSIK/generateK1/generateK2, hmacHash) in the teacher's
// vendored github.com/gwest/go-sol rmcp.go — that file derives session keys
// from a seed plus identity bytes via HMAC; this package derives nonce
// table entries from a seed plus pod identity bytes the same way.
package nonce

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
)

// FAKE_NONCE is the sentinel value returned by GetNext when the generator
// has no reliable seeded state — the caller must force stay_connected=true
// on the next exchange (spec.md §4.2).
const FAKE_NONCE uint32 = 0x12345678

const tableSize = 16

// Generator is the external NonceGen contract consumed by Transport:
// produce the next per-command authenticator, and resync against a
// pod-supplied challenge word.
type Generator interface {
	GetNext() uint32
	Sync(syncWord uint16, messageSequence uint8)
	Seed(seed uint32, lot, tid uint32)
	// State returns the last nonce handed out and the current seed, the
	// two fields _savePod persists alongside the radio counters so the
	// next command resumes from the same walk position.
	State() (lastNonce uint32, seed uint32)
}

// SeedTableGenerator derives a table of candidate nonce values from a seed
// and the pod's lot/serial identity bytes, the way the pod's own firmware
// does, then walks the table in sequence. A bad-nonce challenge reseeds
// the walk position without needing the pod's secret derivation.
type SeedTableGenerator struct {
	table []uint32
	index int
	valid bool
	seed  uint32
	last  uint32
}

// NewSeedTableGenerator returns a generator with no valid seed — GetNext
// returns FAKE_NONCE until Seed is called, matching activate_pod's flow
// of reseeding only once pod identity bytes are known (spec.md §4.6).
func NewSeedTableGenerator() *SeedTableGenerator {
	return &SeedTableGenerator{}
}

// Restore rebuilds a generator from persisted (lot, tid, seed, lastNonce)
// state, seeking the walk position to just past lastNonce so the next
// GetNext call picks up where the prior process left off, the way the
// Python constructor's seekNonce parameter resumes from pod.nonce_last.
func Restore(lot, tid, seed, lastNonce uint32) *SeedTableGenerator {
	g := &SeedTableGenerator{}
	if lot == 0 && tid == 0 {
		return g
	}
	g.Seed(seed, lot, tid)
	for i, v := range g.table {
		if v == lastNonce {
			g.index = (i + 1) % len(g.table)
			g.last = lastNonce
			break
		}
	}
	return g
}

// Seed (re)derives the nonce table from seed and pod identity (lot, tid),
// as activate_pod does after assign/setup with seed=0 (spec.md §4.6).
func (g *SeedTableGenerator) Seed(seed uint32, lot, tid uint32) {
	g.table = deriveTable(seed, lot, tid)
	g.index = 0
	g.valid = true
	g.seed = seed
}

// GetNext returns the next candidate nonce, or FAKE_NONCE if unseeded.
func (g *SeedTableGenerator) GetNext() uint32 {
	if !g.valid || len(g.table) == 0 {
		return FAKE_NONCE
	}
	v := g.table[g.index%len(g.table)]
	g.index++
	g.last = v
	return v
}

// State returns the last nonce handed out and the current seed.
func (g *SeedTableGenerator) State() (lastNonce uint32, seed uint32) {
	return g.last, g.seed
}

// Sync resynchronizes the walk position from a pod-supplied sync word and
// the message sequence of the command that was challenged (spec.md §4.4:
// "NonceGen.sync(sync_word, msg.sequence)").
func (g *SeedTableGenerator) Sync(syncWord uint16, messageSequence uint8) {
	if len(g.table) == 0 {
		return
	}
	g.index = (int(syncWord) ^ int(messageSequence)) % len(g.table)
	g.valid = true
}

func deriveTable(seed uint32, lot, tid uint32) []uint32 {
	var identity [8]byte
	binary.BigEndian.PutUint32(identity[0:4], lot)
	binary.BigEndian.PutUint32(identity[4:8], tid)

	var seedBytes [4]byte
	binary.BigEndian.PutUint32(seedBytes[:], seed)

	table := make([]uint32, tableSize)
	key := identity[:]
	for i := 0; i < tableSize; i++ {
		mac := hmac.New(sha1.New, key)
		mac.Write(seedBytes[:])
		mac.Write([]byte{byte(i)})
		digest := mac.Sum(nil)
		table[i] = binary.BigEndian.Uint32(digest[:4])
	}
	return table
}
