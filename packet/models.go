package packet

import (
	"bondflow/casefile"
	"bondflow/catalog"
)

// PlacedField is a signer placement rewritten to an absolute packet page
// and bound to a concrete signer. Unbound slots never reach a packet.
type PlacedField struct {
	Type   catalog.FieldType
	Role   catalog.Role
	Page   int // absolute, 0-based within the composed packet
	X      float64
	Y      float64
	Width  float64
	Height float64
	Signer casefile.Signer
}

// Instance is one concrete, page-positioned copy of a template within a
// composed packet.
type Instance struct {
	InstanceKey string
	TemplateKey string
	BoundSigner casefile.Signer
	PageOffset  int
	PageCount   int
	Fields      []PlacedField
}

// Packet is the full ordered set of instances dispatched together for one
// case. Instances are fixed at composition time.
type Packet struct {
	CaseID          string
	Instances       []Instance
	TotalPages      int
	TotalSignatures int
}
