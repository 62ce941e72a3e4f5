package packet

import (
	"errors"
	"fmt"

	"bondflow/casefile"
	"bondflow/catalog"
)

var (
	// ErrIncompleteRoster is returned when a template requires a fixed role
	// (defendant or bail agent) that the roster does not supply. The data
	// must be fixed by the caller; composition is never partially applied.
	ErrIncompleteRoster = errors.New("packet: roster missing required signer")
)

// Composer expands template keys into a fully laid out packet. It is pure:
// no I/O, no mutation of its inputs.
type Composer struct {
	cat *catalog.Catalog
}

func NewComposer(cat *catalog.Catalog) *Composer {
	return &Composer{cat: cat}
}

// Compose builds the packet for a roster and an ordered template key list.
// Page order is caller order, fan-out-expansion order within a template.
// Any unknown key or missing fixed signer aborts the whole composition.
func (c *Composer) Compose(roster casefile.Roster, templateKeys []string) (Packet, error) {
	// Resolve every template up front so a bad key can never yield a
	// partial packet.
	tmpls := make([]catalog.Template, 0, len(templateKeys))
	for _, key := range templateKeys {
		tmpl, err := c.cat.Get(key)
		if err != nil {
			return Packet{}, err
		}
		tmpls = append(tmpls, tmpl)
	}

	pkt := Packet{CaseID: roster.CaseID}
	offset := 0
	for _, tmpl := range tmpls {
		signers := ResolveSigners(roster, tmpl)
		switch tmpl.FanOut {
		case catalog.FanOutSingle:
			inst, err := buildSingleInstance(roster, tmpl, offset)
			if err != nil {
				return Packet{}, err
			}
			pkt.Instances = append(pkt.Instances, inst)
			offset += tmpl.PageCount
		case catalog.FanOutPerSigner:
			for i, signer := range signers {
				inst, err := buildFanOutInstance(roster, tmpl, signer, i+1, offset)
				if err != nil {
					return Packet{}, err
				}
				pkt.Instances = append(pkt.Instances, inst)
				offset += tmpl.PageCount
			}
		}
	}

	pkt.TotalPages = offset
	for _, inst := range pkt.Instances {
		pkt.TotalSignatures += len(inst.Fields)
	}
	return pkt, nil
}

// buildSingleInstance places fields for a one-copy template. Indemnitor
// and co-indemnitor slots bind positionally; slots beyond the roster's
// indemnitor count are dropped, which is how a case with no co-signer
// legitimately composes.
func buildSingleInstance(roster casefile.Roster, tmpl catalog.Template, offset int) (Instance, error) {
	inst := Instance{
		InstanceKey: tmpl.Key,
		TemplateKey: tmpl.Key,
		BoundSigner: nominalSigner(roster, tmpl.Primary),
		PageOffset:  offset,
		PageCount:   tmpl.PageCount,
	}

	var cursor slotCursor
	for _, f := range tmpl.Fields {
		var signer casefile.Signer
		if poolRole(f.Role) {
			s, ok := cursor.next(roster, f.Role)
			if !ok {
				continue // unbound slot, no signature required
			}
			signer = s
		} else {
			s, err := fixedSigner(roster, tmpl.Key, f.Role)
			if err != nil {
				return Instance{}, err
			}
			signer = s
		}
		inst.Fields = append(inst.Fields, placeField(f, offset, signer))
	}
	return inst, nil
}

// buildFanOutInstance places fields for one fan-out copy. Slots whose role
// is part of the fan-out rule bind to the copy's own signer; fixed-role
// slots (a bail agent countersignature, say) resolve against the roster.
func buildFanOutInstance(roster casefile.Roster, tmpl catalog.Template, signer casefile.Signer, ordinal, offset int) (Instance, error) {
	inst := Instance{
		InstanceKey: fmt.Sprintf("%s#%d", tmpl.Key, ordinal),
		TemplateKey: tmpl.Key,
		BoundSigner: signer,
		PageOffset:  offset,
		PageCount:   tmpl.PageCount,
	}

	fannedOut := make(map[catalog.Role]bool, len(tmpl.FanOutRoles))
	for _, r := range tmpl.FanOutRoles {
		fannedOut[r] = true
	}

	for _, f := range tmpl.Fields {
		if fannedOut[f.Role] {
			// A fan-out slot belongs to the copy whose signer holds that
			// role; the other roles' slots appear on their own copies.
			if copyOwnsField(f.Role, signer) {
				inst.Fields = append(inst.Fields, placeField(f, offset, signer))
			}
			continue
		}
		if poolRole(f.Role) {
			// An indemnitor slot on a template that does not fan out over
			// indemnitors: bind the first indemnitor or drop the slot.
			if len(roster.Indemnitors) == 0 {
				continue
			}
			inst.Fields = append(inst.Fields, placeField(f, offset, roster.Indemnitors[0]))
			continue
		}
		s, err := fixedSigner(roster, tmpl.Key, f.Role)
		if err != nil {
			return Instance{}, err
		}
		inst.Fields = append(inst.Fields, placeField(f, offset, s))
	}
	return inst, nil
}

// copyOwnsField matches a fan-out field role against the copy's signer.
// Co-indemnitor slots match indemnitor signers: roster people never carry
// the co-indemnitor role, it is positional.
func copyOwnsField(fieldRole catalog.Role, signer casefile.Signer) bool {
	if fieldRole == catalog.RoleCoIndemnitor {
		return signer.Role == catalog.RoleIndemnitor
	}
	return fieldRole == signer.Role
}

func fixedSigner(roster casefile.Roster, templateKey string, role catalog.Role) (casefile.Signer, error) {
	var s casefile.Signer
	switch role {
	case catalog.RoleDefendant:
		s = roster.Defendant
	case catalog.RoleBailAgent:
		s = roster.Agent
	default:
		return casefile.Signer{}, fmt.Errorf("packet: template %s: role %q is not a fixed role", templateKey, role)
	}
	if s.Zero() {
		return casefile.Signer{}, fmt.Errorf("%w: template %s requires %s", ErrIncompleteRoster, templateKey, role)
	}
	return s, nil
}

func placeField(f catalog.FieldSpec, offset int, signer casefile.Signer) PlacedField {
	return PlacedField{
		Type:   f.Type,
		Role:   f.Role,
		Page:   f.PageIndex + offset,
		X:      f.X,
		Y:      f.Y,
		Width:  f.Width,
		Height: f.Height,
		Signer: signer,
	}
}
