package catalog

// FieldType distinguishes a full signature placement from an initials placement.
type FieldType string

const (
	FieldSignature FieldType = "signature"
	FieldInitials  FieldType = "initials"
)

// Role is the abstract signer role a field or fan-out rule refers to.
// Concrete people are bound to roles at composition time.
type Role string

const (
	RoleDefendant    Role = "defendant"
	RoleIndemnitor   Role = "indemnitor"
	RoleCoIndemnitor Role = "co_indemnitor"
	RoleBailAgent    Role = "bail_agent"
)

// FanOut controls how many physical document instances a template produces.
type FanOut string

const (
	// FanOutSingle produces exactly one instance per packet.
	FanOutSingle FanOut = "single"
	// FanOutPerSigner produces one instance per concrete signer matching
	// the template's fan-out roles.
	FanOutPerSigner FanOut = "per_signer"
)

// FieldSpec places one signature or initials box on a template page.
// Coordinates are in PDF points from the page's top-left corner.
// The catalog holds signer placements only; data-entry fields are mapped
// upstream and never appear here.
type FieldSpec struct {
	Type      FieldType `yaml:"type"`
	Role      Role      `yaml:"role"`
	PageIndex int       `yaml:"page"`
	X         float64   `yaml:"x"`
	Y         float64   `yaml:"y"`
	Width     float64   `yaml:"width"`
	Height    float64   `yaml:"height"`
}

// Template is a document blueprint: a fixed page count plus the ordered
// signer placements on those pages. Immutable after load.
type Template struct {
	Key         string      `yaml:"key"`
	PageCount   int         `yaml:"pages"`
	FanOut      FanOut      `yaml:"fan_out"`
	FanOutRoles []Role      `yaml:"fan_out_roles"`
	Primary     Role        `yaml:"primary"`
	Fields      []FieldSpec `yaml:"fields"`
}

func validRole(r Role) bool {
	switch r {
	case RoleDefendant, RoleIndemnitor, RoleCoIndemnitor, RoleBailAgent:
		return true
	default:
		return false
	}
}

func validFieldType(t FieldType) bool {
	return t == FieldSignature || t == FieldInitials
}
