// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"fmt"
	"io"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/bits-and-blooms/bitset"
)

// Bitmap is a fixed-length set of bits, numbered from 0 to Len()-1.
// A nil *Bitmap is a zero-length bitmap.
//
// Unlike a bare bitset.BitSet, a Bitmap never grows on its own;
// touching a bit past the end panics.
//
// Bitmaps serialize to JSON as {"Len":N,"Set":[i,j,...]}, listing
// only the bits that are set.
type Bitmap struct {
	bits *bitset.BitSet
}

var (
	_ lowmemjson.Encodable = (*Bitmap)(nil)
	_ lowmemjson.Decodable = (*Bitmap)(nil)
)

func NewBitmap(nbits uint64) *Bitmap {
	return &Bitmap{
		bits: bitset.New(uint(nbits)),
	}
}

func (b *Bitmap) Len() uint64 {
	if b == nil || b.bits == nil {
		return 0
	}
	return uint64(b.bits.Len())
}

func (b *Bitmap) check(i uint64) {
	if i >= b.Len() {
		panic(fmt.Errorf("containers.Bitmap: index %d out of range [0,%d)", i, b.Len()))
	}
}

func (b *Bitmap) Get(i uint64) bool {
	b.check(i)
	return b.bits.Test(uint(i))
}

func (b *Bitmap) Set(i uint64) {
	b.check(i)
	b.bits.Set(uint(i))
}

func (b *Bitmap) Clear(i uint64) {
	b.check(i)
	b.bits.Clear(uint(i))
}

// SetRange sets every bit in the half-open range [beg, end).
func (b *Bitmap) SetRange(beg, end uint64) {
	if beg >= end {
		return
	}
	b.check(end - 1)
	for i := beg; i < end; i++ {
		b.bits.Set(uint(i))
	}
}

func (b *Bitmap) ClearAll() {
	if b.Len() == 0 {
		return
	}
	b.bits.ClearAll()
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint64 {
	if b.Len() == 0 {
		return 0
	}
	return uint64(b.bits.Count())
}

// Or sets every bit in b that is set in other.  It never clears a
// bit.  The bitmaps must have the same length.
func (b *Bitmap) Or(other *Bitmap) {
	if other.Len() != b.Len() {
		panic(fmt.Errorf("containers.Bitmap.Or: length mismatch: %d != %d", b.Len(), other.Len()))
	}
	if b.Len() == 0 {
		return
	}
	b.bits.InPlaceUnion(other.bits)
}

// NextSet returns the index of the first set bit at or after i.
func (b *Bitmap) NextSet(i uint64) (uint64, bool) {
	if i >= b.Len() {
		return 0, false
	}
	next, ok := b.bits.NextSet(uint(i))
	return uint64(next), ok
}

func (b *Bitmap) Clone() *Bitmap {
	if b == nil {
		return nil
	}
	if b.bits == nil {
		return NewBitmap(0)
	}
	return &Bitmap{
		bits: b.bits.Clone(),
	}
}

// Resized returns a copy of b with nbits bits; bits past the end of
// b are clear, and bits past nbits are dropped.
func (b *Bitmap) Resized(nbits uint64) *Bitmap {
	ret := NewBitmap(nbits)
	for i, ok := b.NextSet(0); ok && i < nbits; i, ok = b.NextSet(i + 1) {
		ret.bits.Set(uint(i))
	}
	return ret
}

func (b *Bitmap) String() string {
	return fmt.Sprintf("Bitmap{%d/%d}", b.Count(), b.Len())
}

// EncodeJSON implements lowmemjson.Encodable.
func (b *Bitmap) EncodeJSON(w io.Writer) error {
	if _, err := fmt.Fprintf(w, `{"Len":%d,"Set":[`, b.Len()); err != nil {
		return err
	}
	first := true
	for i, ok := b.NextSet(0); ok; i, ok = b.NextSet(i + 1) {
		if !first {
			if _, err := w.Write([]byte{','}); err != nil {
				return err
			}
		}
		first = false
		if _, err := fmt.Fprintf(w, "%d", i); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte("]}"))
	return err
}

// DecodeJSON implements lowmemjson.Decodable.
func (b *Bitmap) DecodeJSON(r io.RuneScanner) error {
	var set []uint64
	var nbits uint64
	var name string
	err := lowmemjson.DecodeObject(r,
		func(r io.RuneScanner) error {
			return lowmemjson.NewDecoder(r).Decode(&name)
		},
		func(r io.RuneScanner) error {
			switch name {
			case "Len":
				return lowmemjson.NewDecoder(r).Decode(&nbits)
			case "Set":
				return lowmemjson.NewDecoder(r).Decode(&set)
			default:
				return fmt.Errorf("unknown key %q", name)
			}
		})
	if err != nil {
		return err
	}
	*b = *NewBitmap(nbits)
	for _, i := range set {
		if i >= nbits {
			return fmt.Errorf("bit %d out of range [0,%d)", i, nbits)
		}
		b.Set(i)
	}
	return nil
}
