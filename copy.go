package capnp

import (
	"github.com/pkg/errors"

	"github.com/outofforest/capnp/types"
)

// copyPtr copies object tree rooted at src into dst. Capabilities are added to the cap table of dst.
// Reads are charged to the traversal limit of the source message.
func copyPtr(dst *Message, src Ptr) (Ptr, error) {
	switch src.kind {
	case nullPtr:
		return Ptr{}, nil
	case interfacePtr:
		c := src.Interface().Client()
		if c == nil {
			return Ptr{}, nil
		}
		return NewInterface(dst, dst.AddCap(c.AddRef())).ToPtr(), nil
	case structPtr:
		s, err := copyStruct(dst, src.Struct())
		if err != nil {
			return Ptr{}, err
		}
		return s.ToPtr(), nil
	case listPtr:
		l, err := copyList(dst, src.List())
		if err != nil {
			return Ptr{}, err
		}
		return l.ToPtr(), nil
	default:
		return Ptr{}, errors.WithStack(ErrInvalidPointer)
	}
}

func copyStruct(dst *Message, src Struct) (Struct, error) {
	s, err := NewStruct(dst, src.size)
	if err != nil {
		return Struct{}, err
	}
	if err := copyStructContent(s, src); err != nil {
		return Struct{}, err
	}
	return s, nil
}

// copyStructContent copies sections of src into s which has the same layout.
func copyStructContent(s, src Struct) error {
	if n := src.size.DataSize; n > 0 {
		copy(s.seg.slice(s.off, n), src.seg.slice(src.off, n))
	}
	for i := range src.size.PointerCount {
		p, err := src.Ptr(i)
		if err != nil {
			return err
		}
		if !p.IsValid() {
			continue
		}
		if err := s.SetPtr(i, p); err != nil {
			return err
		}
	}
	return nil
}

func copyList(dst *Message, src List) (List, error) {
	var l List
	var err error
	switch src.es {
	case types.CompositeElement:
		l, err = NewCompositeList(dst, src.size, src.length)
	default:
		l, err = NewList(dst, src.es, src.length)
	}
	if err != nil {
		return List{}, err
	}

	switch {
	case src.es == types.BitElement:
		n := types.Size((src.length + 7) / 8)
		copy(l.seg.slice(l.off, n), src.seg.slice(src.off, n))
	case src.size.PointerCount == 0:
		n := src.size.TotalSize() * types.Size(src.length)
		copy(l.seg.slice(l.off, n), src.seg.slice(src.off, n))
	default:
		for i := range int(src.length) {
			if err := copyStructContent(l.Struct(i), src.Struct(i)); err != nil {
				return List{}, err
			}
		}
	}
	return l, nil
}
