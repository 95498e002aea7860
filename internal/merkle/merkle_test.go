package merkle

import (
	"bytes"
	"crypto/sha256"
	"testing"
)

func leaves(n int) [][]byte {
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		h := sha256.Sum256([]byte{byte(i), 'l', 'e', 'g'})
		out = append(out, h[:])
	}
	return out
}

func TestRoundTripThreeLeaves(t *testing.T) {
	ls := leaves(3)
	root := ComputeRoot(ls)
	for i := range ls {
		proof, err := ComputeProof(ls, i)
		if err != nil {
			t.Fatalf("proof(%d) err=%v", i, err)
		}
		if !VerifyProof(ls[i], proof, root) {
			t.Fatalf("verify(%d)=false want=true", i)
		}
	}
}

func TestMutatedProofFails(t *testing.T) {
	ls := leaves(3)
	root := ComputeRoot(ls)
	for i := range ls {
		proof, err := ComputeProof(ls, i)
		if err != nil {
			t.Fatalf("proof(%d) err=%v", i, err)
		}
		for j := range proof {
			for b := 0; b < len(proof[j]); b++ {
				mutated := make([][]byte, len(proof))
				for k := range proof {
					mutated[k] = append([]byte(nil), proof[k]...)
				}
				mutated[j][b] ^= 0x01
				if VerifyProof(ls[i], mutated, root) {
					t.Fatalf("leaf=%d elem=%d byte=%d verify=true want=false", i, j, b)
				}
			}
		}
	}
}

func TestOddLevelSelfPairs(t *testing.T) {
	ls := leaves(3)
	proof, err := ComputeProof(ls, 2)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(proof) != 2 {
		t.Fatalf("len(proof)=%d want=2", len(proof))
	}
	if !bytes.Equal(proof[0], ls[2]) {
		t.Fatalf("first sibling should be the node itself")
	}
}

func TestOrderIndependentPairs(t *testing.T) {
	a, b := leaves(2)[0], leaves(2)[1]
	if !bytes.Equal(ComputeRoot([][]byte{a, b}), ComputeRoot([][]byte{b, a})) {
		t.Fatalf("pair hashing depends on order")
	}
}

func TestSingleLeafAndEmpty(t *testing.T) {
	ls := leaves(1)
	root := ComputeRoot(ls)
	if !bytes.Equal(root, ls[0]) {
		t.Fatalf("single leaf root should equal leaf")
	}
	proof, err := ComputeProof(ls, 0)
	if err != nil || len(proof) != 0 {
		t.Fatalf("proof=%v err=%v want empty", proof, err)
	}
	if !VerifyProof(ls[0], proof, root) {
		t.Fatalf("verify single leaf=false")
	}
	if ComputeRoot(nil) != nil {
		t.Fatalf("empty root should be nil")
	}
	if _, err := ComputeProof(nil, 0); err != ErrEmptyTree {
		t.Fatalf("err=%v want=%v", err, ErrEmptyTree)
	}
	if _, err := ComputeProof(leaves(2), 2); err == nil {
		t.Fatalf("out of range index accepted")
	}
}

func TestLargerTrees(t *testing.T) {
	for n := 1; n <= 9; n++ {
		ls := leaves(n)
		root := ComputeRoot(ls)
		for i := 0; i < n; i++ {
			proof, err := ComputeProof(ls, i)
			if err != nil {
				t.Fatalf("n=%d i=%d err=%v", n, i, err)
			}
			if !VerifyProof(ls[i], proof, root) {
				t.Fatalf("n=%d i=%d verify=false", n, i)
			}
		}
	}
}

func TestProofHexRoundTrip(t *testing.T) {
	ls := leaves(4)
	proof, _ := ComputeProof(ls, 1)
	decoded, err := DecodeProof(EncodeProof(proof))
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if !VerifyProof(ls[1], decoded, ComputeRoot(ls)) {
		t.Fatalf("decoded proof does not verify")
	}
	if _, err := DecodeProof([]string{"zz"}); err == nil {
		t.Fatalf("invalid hex accepted")
	}
}
