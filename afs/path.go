// Package afs implements the Blob Filesystem Abstraction (AFS): a path model and
// connector contract that lets the storage engine run unmodified against a local
// path tree or an object-store backend.
package afs

import (
	"errors"
	"strings"
)

// Sentinel errors returned by every Connector implementation.
var (
	ErrNotFound           = errors.New("afs: not found")
	ErrAlreadyExists      = errors.New("afs: already exists")
	ErrInvalidPath        = errors.New("afs: invalid path")
	ErrUnsupportedBackend = errors.New("afs: unsupported backend")
)

// BlobPath is an ordered, immutable sequence of non-empty path elements.
// FullyQualifiedName joins elements with "/"; two paths are equal iff their
// element sequences are equal.
type BlobPath struct {
	elements []string
}

// NewBlobPath builds a BlobPath from path elements, rejecting empty elements.
func NewBlobPath(elements ...string) (BlobPath, error) {
	cleaned := make([]string, 0, len(elements))
	for _, e := range elements {
		if e == "" {
			return BlobPath{}, ErrInvalidPath
		}
		cleaned = append(cleaned, e)
	}
	return BlobPath{elements: cleaned}, nil
}

// MustBlobPath is NewBlobPath but panics on error; for use with constant elements.
func MustBlobPath(elements ...string) BlobPath {
	p, err := NewBlobPath(elements...)
	if err != nil {
		panic(err)
	}
	return p
}

// Elements returns a copy of the path's elements.
func (p BlobPath) Elements() []string {
	out := make([]string, len(p.elements))
	copy(out, p.elements)
	return out
}

// FullyQualifiedName joins the path elements with "/".
func (p BlobPath) FullyQualifiedName() string {
	return strings.Join(p.elements, "/")
}

// Child returns a new BlobPath with element appended.
func (p BlobPath) Child(element string) (BlobPath, error) {
	if element == "" {
		return BlobPath{}, ErrInvalidPath
	}
	next := make([]string, len(p.elements)+1)
	copy(next, p.elements)
	next[len(p.elements)] = element
	return BlobPath{elements: next}, nil
}

// Equal reports whether two paths have the same element sequence.
func (p BlobPath) Equal(other BlobPath) bool {
	if len(p.elements) != len(other.elements) {
		return false
	}
	for i := range p.elements {
		if p.elements[i] != other.elements[i] {
			return false
		}
	}
	return true
}

// IsEmpty reports whether the path has no elements.
func (p BlobPath) IsEmpty() bool {
	return len(p.elements) == 0
}

func (p BlobPath) String() string {
	return p.FullyQualifiedName()
}
