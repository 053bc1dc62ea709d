package bundle

import "fmt"

type Kind uint8

const (
	KindEmpty Kind = iota
	KindGeometry
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindGeometry:
		return "geometry"
	case KindFailed:
		return "failed"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Prepared is the typed result passed between preparation phases.
type Prepared struct {
	Kind   Kind
	Bundle *Bundle
	Err    error
}

func Empty() Prepared { return Prepared{Kind: KindEmpty} }

func Geometry(b *Bundle) Prepared { return Prepared{Kind: KindGeometry, Bundle: b} }

func Failed(err error) Prepared { return Prepared{Kind: KindFailed, Err: err} }

// HasGeometry reports whether p carries a live bundle.
func (p Prepared) HasGeometry() bool {
	return p.Kind == KindGeometry && p.Bundle != nil && !p.Bundle.Destroyed()
}
