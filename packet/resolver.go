package packet

import (
	"bondflow/casefile"
	"bondflow/catalog"
)

// ResolveSigners expands a template's fan-out rule into the concrete signer
// list for one case. Ordering is a contract: Defendant first when listed,
// then each indemnitor in roster order, then co-indemnitor entries, then
// the bail agent. Instance numbering downstream depends on it.
func ResolveSigners(roster casefile.Roster, tmpl catalog.Template) []casefile.Signer {
	if tmpl.FanOut == catalog.FanOutSingle {
		return []casefile.Signer{nominalSigner(roster, tmpl.Primary)}
	}

	listed := make(map[catalog.Role]bool, len(tmpl.FanOutRoles))
	for _, r := range tmpl.FanOutRoles {
		listed[r] = true
	}

	var signers []casefile.Signer
	if listed[catalog.RoleDefendant] && !roster.Defendant.Zero() {
		signers = append(signers, roster.Defendant)
	}
	if listed[catalog.RoleIndemnitor] {
		signers = append(signers, roster.Indemnitors...)
	} else if listed[catalog.RoleCoIndemnitor] && len(roster.Indemnitors) > 1 {
		// Co-indemnitors are the indemnitors after the first.
		signers = append(signers, roster.Indemnitors[1:]...)
	}
	if listed[catalog.RoleBailAgent] && !roster.Agent.Zero() {
		signers = append(signers, roster.Agent)
	}
	return signers
}

// nominalSigner picks the signer a single-instance template is named after.
// When the primary role has no concrete person on the case, the defendant
// stands in; the role's field slots still resolve (or drop) independently.
func nominalSigner(roster casefile.Roster, primary catalog.Role) casefile.Signer {
	switch primary {
	case catalog.RoleDefendant:
		return roster.Defendant
	case catalog.RoleBailAgent:
		return roster.Agent
	case catalog.RoleIndemnitor:
		if len(roster.Indemnitors) > 0 {
			return roster.Indemnitors[0]
		}
	case catalog.RoleCoIndemnitor:
		if len(roster.Indemnitors) > 1 {
			return roster.Indemnitors[1]
		}
	}
	return roster.Defendant
}

// slotCursor hands out indemnitor pool positions for positional slot
// binding: the Nth indemnitor-role slot in template order binds to the Nth
// indemnitor in roster order. Co-indemnitor slots draw from the same pool
// offset by one.
type slotCursor struct {
	indemnitor   int
	coIndemnitor int
}

// next returns the signer for a field slot of the given pool role, or
// ok=false when there are more slots than indemnitors. Excess slots stay
// unbound rather than erroring.
func (c *slotCursor) next(roster casefile.Roster, role catalog.Role) (casefile.Signer, bool) {
	switch role {
	case catalog.RoleIndemnitor:
		i := c.indemnitor
		c.indemnitor++
		if i < len(roster.Indemnitors) {
			return roster.Indemnitors[i], true
		}
	case catalog.RoleCoIndemnitor:
		i := c.coIndemnitor + 1
		c.coIndemnitor++
		if i < len(roster.Indemnitors) {
			return roster.Indemnitors[i], true
		}
	}
	return casefile.Signer{}, false
}

func poolRole(role catalog.Role) bool {
	return role == catalog.RoleIndemnitor || role == catalog.RoleCoIndemnitor
}
