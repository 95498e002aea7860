// Package merkle builds and verifies binary Merkle trees over leg leaf hashes.
//
// Pairs are hashed in sorted order, so a verifier only needs the sibling
// hashes on the path, not their left/right position. Levels with an odd
// node count pair the last node with itself.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrEmptyTree = errors.New("merkle: no leaves")

var leafPrefix = []byte("flowmint.leg.v1:")

// LeafHash hashes a canonical leg payload into a tree leaf.
func LeafHash(payload []byte) []byte {
	h := sha256.New()
	h.Write(leafPrefix)
	h.Write(payload)
	return h.Sum(nil)
}

func hashPair(a, b []byte) []byte {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	h := sha256.New()
	h.Write(a)
	h.Write(b)
	return h.Sum(nil)
}

func nextLevel(level [][]byte) [][]byte {
	out := make([][]byte, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		if i+1 < len(level) {
			out = append(out, hashPair(level[i], level[i+1]))
			continue
		}
		out = append(out, hashPair(level[i], level[i]))
	}
	return out
}

// ComputeRoot returns the root over leaves, or nil when leaves is empty.
func ComputeRoot(leaves [][]byte) []byte {
	if len(leaves) == 0 {
		return nil
	}
	level := leaves
	for len(level) > 1 {
		level = nextLevel(level)
	}
	root := make([]byte, len(level[0]))
	copy(root, level[0])
	return root
}

// ComputeProof returns the sibling path from leaves[index] to the root.
func ComputeProof(leaves [][]byte, index int) ([][]byte, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("merkle: index %d out of range [0,%d)", index, len(leaves))
	}
	var proof [][]byte
	level := leaves
	idx := index
	for len(level) > 1 {
		sib := idx ^ 1
		if sib >= len(level) {
			sib = idx
		}
		node := make([]byte, len(level[sib]))
		copy(node, level[sib])
		proof = append(proof, node)
		level = nextLevel(level)
		idx /= 2
	}
	return proof, nil
}

func VerifyProof(leaf []byte, proof [][]byte, root []byte) bool {
	if len(leaf) == 0 || len(root) == 0 {
		return false
	}
	cur := leaf
	for _, sib := range proof {
		cur = hashPair(cur, sib)
	}
	return bytes.Equal(cur, root)
}

func EncodeProof(proof [][]byte) []string {
	out := make([]string, 0, len(proof))
	for _, p := range proof {
		out = append(out, hex.EncodeToString(p))
	}
	return out
}

func DecodeProof(proof []string) ([][]byte, error) {
	out := make([][]byte, 0, len(proof))
	for i, p := range proof {
		b, err := hex.DecodeString(p)
		if err != nil {
			return nil, fmt.Errorf("merkle: proof element %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}
