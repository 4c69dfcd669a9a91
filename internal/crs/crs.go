// Package crs models coordinate reference system identifiers.
//
// A CRS is referenced by an authority:code pair ("EPSG:6346"), or by a
// compound identifier joining an independent horizontal and vertical
// component ("EPSG:6346+NOAA:5224"). The package only models identity and
// structure; whether an identifier resolves against an authority database is
// the registry's concern.
package crs

import (
	"fmt"
	"strings"
)

// Kind classifies a CRS node for path resolution.
//
// Compound CRSs are decomposed into their horizontal and vertical components
// before graph search, so the resolver can match on the tag without type
// inspection.
type Kind int

const (
	// KindUnknown indicates the kind has not been classified yet.
	// Classification happens against the authority database or a custom
	// catalog entry during registry load.
	KindUnknown Kind = iota

	// KindHorizontal is a geographic or projected CRS (2D or 3D).
	KindHorizontal

	// KindVertical is a vertical datum (ellipsoidal, orthometric, or
	// tidal height/depth reference).
	KindVertical

	// KindCompound is an independent horizontal + vertical pair.
	KindCompound
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindHorizontal:
		return "horizontal"
	case KindVertical:
		return "vertical"
	case KindCompound:
		return "compound"
	default:
		return "unknown"
	}
}

// Node identifies a CRS or a decomposed component of a compound CRS.
//
// Node is an immutable value type and is comparable, so it can be used
// directly as a map key in the graph adjacency index.
type Node struct {
	// ID is the canonical identifier: "AUTH:CODE", or
	// "AUTH:CODE+AUTH:CODE" for compound CRSs.
	ID string

	// Kind tags the node for the resolver.
	Kind Kind

	// HorizontalID and VerticalID are set only for compound nodes and
	// name the component CRSs.
	HorizontalID string
	VerticalID   string
}

// ErrMalformedID indicates an identifier that is not authority:code shaped.
type ErrMalformedID struct {
	ID     string
	Reason string
}

func (e *ErrMalformedID) Error() string {
	return fmt.Sprintf("malformed CRS identifier %q: %s", e.ID, e.Reason)
}

// Parse builds a Node from an identifier string.
//
// Accepted forms:
//
//	"EPSG:6346"           single CRS (kind left unclassified)
//	"EPSG:6346+NOAA:5224" compound horizontal+vertical
//	"EPSG:4326+5773"      compound, vertical code inheriting the authority
//
// Parse validates structure only. Single identifiers come back with
// KindUnknown; the registry classifies them against its catalog.
func Parse(id string) (Node, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Node{}, &ErrMalformedID{ID: id, Reason: "empty identifier"}
	}

	parts := strings.Split(id, "+")
	switch len(parts) {
	case 1:
		auth, code, err := splitAuthCode(parts[0])
		if err != nil {
			return Node{}, err
		}
		return Node{ID: auth + ":" + code}, nil
	case 2:
		hAuth, hCode, err := splitAuthCode(parts[0])
		if err != nil {
			return Node{}, err
		}
		// Vertical part may omit the authority ("EPSG:4326+5773").
		vAuth, vCode := hAuth, parts[1]
		if strings.Contains(parts[1], ":") {
			vAuth, vCode, err = splitAuthCode(parts[1])
			if err != nil {
				return Node{}, err
			}
		} else if vCode == "" {
			return Node{}, &ErrMalformedID{ID: id, Reason: "empty vertical component"}
		}
		h := hAuth + ":" + hCode
		v := vAuth + ":" + vCode
		return Node{
			ID:           h + "+" + v,
			Kind:         KindCompound,
			HorizontalID: h,
			VerticalID:   v,
		}, nil
	default:
		return Node{}, &ErrMalformedID{ID: id, Reason: "more than one '+' separator"}
	}
}

// MustParse is Parse for statically known identifiers; it panics on error.
func MustParse(id string) Node {
	n, err := Parse(id)
	if err != nil {
		panic(err)
	}
	return n
}

// splitAuthCode splits "AUTH:CODE" and validates both halves are non-empty.
func splitAuthCode(s string) (auth, code string, err error) {
	i := strings.IndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return "", "", &ErrMalformedID{ID: s, Reason: "want AUTHORITY:CODE"}
	}
	return s[:i], s[i+1:], nil
}

// Authority returns the authority namespace of a non-compound node, or the
// horizontal component's authority for compound nodes.
func (n Node) Authority() string {
	id := n.ID
	if n.Kind == KindCompound {
		id = n.HorizontalID
	}
	if i := strings.IndexByte(id, ':'); i > 0 {
		return id[:i]
	}
	return ""
}

// Code returns the code part of a non-compound node, or the horizontal
// component's code for compound nodes.
func (n Node) Code() string {
	id := n.ID
	if n.Kind == KindCompound {
		id = n.HorizontalID
	}
	if i := strings.IndexByte(id, ':'); i > 0 {
		return id[i+1:]
	}
	return id
}

// String returns the canonical identifier.
func (n Node) String() string { return n.ID }

// IsCompound reports whether the node is a compound CRS.
func (n Node) IsCompound() bool { return n.Kind == KindCompound }

// Horizontal returns the horizontal component of a compound node, or the
// node itself when it is not compound (a bare horizontal CRS is its own
// horizontal component; z passes through as ellipsoidal height).
func (n Node) Horizontal() Node {
	if !n.IsCompound() {
		return n
	}
	return Node{ID: n.HorizontalID, Kind: KindHorizontal}
}

// Vertical returns the vertical component of a compound node. For a
// non-compound node it returns the node itself: the implied vertical
// reference of a 3D CRS is the ellipsoid of its own datum, so vertical
// sub-paths for bare endpoints start (or end) at the node's own identifier.
func (n Node) Vertical() Node {
	if !n.IsCompound() {
		return n
	}
	return Node{ID: n.VerticalID, Kind: KindVertical}
}

// WithKind returns a copy of the node with the kind tag set. Compound nodes
// are already classified structurally and are returned unchanged.
func (n Node) WithKind(k Kind) Node {
	if n.Kind == KindCompound {
		return n
	}
	n.Kind = k
	return n
}
