package packet

import (
	"errors"
	"testing"

	"bondflow/casefile"
	"bondflow/catalog"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New([]catalog.Template{
		{
			Key:       "indemnity-agreement",
			PageCount: 1,
			FanOut:    catalog.FanOutSingle,
			Primary:   catalog.RoleIndemnitor,
			Fields: []catalog.FieldSpec{
				{Type: catalog.FieldSignature, Role: catalog.RoleIndemnitor, PageIndex: 0, X: 72, Y: 640, Width: 180, Height: 24},
			},
		},
		{
			Key:         "ssa-release",
			PageCount:   1,
			FanOut:      catalog.FanOutPerSigner,
			FanOutRoles: []catalog.Role{catalog.RoleDefendant, catalog.RoleIndemnitor},
			Primary:     catalog.RoleDefendant,
			Fields: []catalog.FieldSpec{
				{Type: catalog.FieldSignature, Role: catalog.RoleDefendant, PageIndex: 0, X: 72, Y: 700, Width: 180, Height: 24},
			},
		},
		{
			Key:       "disclosure",
			PageCount: 3,
			FanOut:    catalog.FanOutSingle,
			Primary:   catalog.RoleDefendant,
			Fields: []catalog.FieldSpec{
				{Type: catalog.FieldSignature, Role: catalog.RoleDefendant, PageIndex: 2, X: 72, Y: 700, Width: 180, Height: 24},
				{Type: catalog.FieldSignature, Role: catalog.RoleIndemnitor, PageIndex: 2, X: 72, Y: 650, Width: 180, Height: 24},
				{Type: catalog.FieldSignature, Role: catalog.RoleIndemnitor, PageIndex: 2, X: 72, Y: 600, Width: 180, Height: 24},
				{Type: catalog.FieldInitials, Role: catalog.RoleBailAgent, PageIndex: 0, X: 500, Y: 60, Width: 48, Height: 20},
			},
		},
		{
			Key:       "cover-page",
			PageCount: 1,
			FanOut:    catalog.FanOutSingle,
			Primary:   catalog.RoleDefendant,
		},
	})
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	return cat
}

// The worked example: Single indemnity agreement plus a per-signer release
// over a defendant and one indemnitor yields three instances at offsets
// 0, 1, 2 and three total pages.
func TestCompose_WorkedExample(t *testing.T) {
	c := NewComposer(testCatalog(t))

	pkt, err := c.Compose(testRoster(1), []string{"indemnity-agreement", "ssa-release"})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	if len(pkt.Instances) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(pkt.Instances))
	}
	if pkt.TotalPages != 3 {
		t.Fatalf("expected 3 total pages, got %d", pkt.TotalPages)
	}

	want := []struct {
		key    string
		offset int
		signer string
	}{
		{"indemnity-agreement", 0, "Jane Smith"},
		{"ssa-release#1", 1, "John Doe"},
		{"ssa-release#2", 2, "Jane Smith"},
	}
	for i, w := range want {
		inst := pkt.Instances[i]
		if inst.InstanceKey != w.key || inst.PageOffset != w.offset || inst.BoundSigner.FullName != w.signer {
			t.Errorf("instance %d: got (%s, %d, %s), want (%s, %d, %s)",
				i, inst.InstanceKey, inst.PageOffset, inst.BoundSigner.FullName, w.key, w.offset, w.signer)
		}
	}
}

func TestCompose_OffsetAccumulation(t *testing.T) {
	c := NewComposer(testCatalog(t))

	pkt, err := c.Compose(testRoster(2), []string{"disclosure", "ssa-release", "cover-page", "indemnity-agreement"})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	// disclosure(3) + ssa-release fan-out x3 (1 each) + cover(1) + indemnity(1)
	sum := 0
	for i, inst := range pkt.Instances {
		if inst.PageOffset != sum {
			t.Errorf("instance %d (%s): offset %d, want %d", i, inst.InstanceKey, inst.PageOffset, sum)
		}
		sum += inst.PageCount
	}
	if pkt.TotalPages != sum {
		t.Errorf("total pages %d, want %d", pkt.TotalPages, sum)
	}
	if pkt.TotalPages != 8 {
		t.Errorf("total pages %d, want 8", pkt.TotalPages)
	}
}

func TestCompose_FieldRewriting(t *testing.T) {
	c := NewComposer(testCatalog(t))

	pkt, err := c.Compose(testRoster(2), []string{"cover-page", "disclosure", "ssa-release"})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	for _, inst := range pkt.Instances {
		for _, f := range inst.Fields {
			if f.Page < inst.PageOffset || f.Page >= inst.PageOffset+inst.PageCount {
				t.Errorf("%s: field page %d outside instance pages [%d,%d)", inst.InstanceKey, f.Page, inst.PageOffset, inst.PageOffset+inst.PageCount)
			}
			if f.Page >= pkt.TotalPages {
				t.Errorf("%s: field page %d beyond packet end %d", inst.InstanceKey, f.Page, pkt.TotalPages)
			}
			if f.Signer.Zero() {
				t.Errorf("%s: placed field with no signer", inst.InstanceKey)
			}
		}
	}

	// disclosure sits after the 1-page cover: its page-2 fields land on
	// absolute page 3.
	disc := pkt.Instances[1]
	if disc.InstanceKey != "disclosure" {
		t.Fatalf("unexpected instance order: %s", disc.InstanceKey)
	}
	if disc.Fields[0].Page != 3 {
		t.Errorf("disclosure signature page %d, want 3", disc.Fields[0].Page)
	}
}

// Two indemnitor slots on the disclosure bind positionally: slot one to
// indemnitor one, slot two to indemnitor two.
func TestCompose_PositionalSlotBinding(t *testing.T) {
	c := NewComposer(testCatalog(t))

	pkt, err := c.Compose(testRoster(2), []string{"disclosure"})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	inst := pkt.Instances[0]
	if len(inst.Fields) != 4 {
		t.Fatalf("expected 4 bound fields, got %d", len(inst.Fields))
	}
	if inst.Fields[1].Signer.FullName != "Jane Smith" || inst.Fields[2].Signer.FullName != "Chris Lee" {
		t.Fatalf("positional binding broken: %s, %s", inst.Fields[1].Signer.FullName, inst.Fields[2].Signer.FullName)
	}
}

// More slots than indemnitors: the excess slot is simply absent from the
// packet, not an error.
func TestCompose_ExcessSlotsUnbound(t *testing.T) {
	c := NewComposer(testCatalog(t))

	pkt, err := c.Compose(testRoster(1), []string{"disclosure"})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	inst := pkt.Instances[0]
	if len(inst.Fields) != 3 {
		t.Fatalf("expected 3 bound fields with one slot dropped, got %d", len(inst.Fields))
	}
	for _, f := range inst.Fields {
		if f.Role == catalog.RoleIndemnitor && f.Signer.FullName != "Jane Smith" {
			t.Errorf("indemnitor slot bound to %s", f.Signer.FullName)
		}
	}
}

func TestCompose_ZeroIndemnitors(t *testing.T) {
	c := NewComposer(testCatalog(t))

	pkt, err := c.Compose(testRoster(0), []string{"indemnity-agreement", "disclosure"})
	if err != nil {
		t.Fatalf("zero indemnitors must compose cleanly: %v", err)
	}

	// The indemnity agreement keeps its page but loses its only field.
	if len(pkt.Instances[0].Fields) != 0 {
		t.Errorf("expected indemnity fields dropped, got %d", len(pkt.Instances[0].Fields))
	}
	if pkt.TotalPages != 4 {
		t.Errorf("total pages %d, want 4", pkt.TotalPages)
	}
	if pkt.TotalSignatures != 2 {
		t.Errorf("total signatures %d, want 2 (defendant + agent)", pkt.TotalSignatures)
	}
}

func TestCompose_UnknownTemplateAbortsWhole(t *testing.T) {
	c := NewComposer(testCatalog(t))

	_, err := c.Compose(testRoster(1), []string{"indemnity-agreement", "never-heard-of-it"})
	if !errors.Is(err, catalog.ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestCompose_MissingDefendant(t *testing.T) {
	c := NewComposer(testCatalog(t))
	roster := testRoster(1)
	roster.Defendant = casefile.Signer{}

	_, err := c.Compose(roster, []string{"disclosure"})
	if !errors.Is(err, ErrIncompleteRoster) {
		t.Fatalf("expected ErrIncompleteRoster, got %v", err)
	}
}

func TestCompose_Deterministic(t *testing.T) {
	c := NewComposer(testCatalog(t))
	keys := []string{"ssa-release", "disclosure"}

	first, err := c.Compose(testRoster(2), keys)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := c.Compose(testRoster(2), keys)
		if err != nil {
			t.Fatalf("compose repeat: %v", err)
		}
		if len(again.Instances) != len(first.Instances) {
			t.Fatalf("instance count drifted: %d vs %d", len(again.Instances), len(first.Instances))
		}
		for j := range again.Instances {
			if again.Instances[j].InstanceKey != first.Instances[j].InstanceKey ||
				again.Instances[j].PageOffset != first.Instances[j].PageOffset {
				t.Fatalf("composition not deterministic at instance %d", j)
			}
		}
	}
}

// A per-signer template with one slot per fan-out role must put each
// role's slot on that role's own copy: the defendant never marks the
// indemnitor's line and vice versa.
func TestCompose_FanOutSlotsStayWithOwnRole(t *testing.T) {
	cat, err := catalog.New([]catalog.Template{{
		Key:         "indemnitor-application",
		PageCount:   1,
		FanOut:      catalog.FanOutPerSigner,
		FanOutRoles: []catalog.Role{catalog.RoleDefendant, catalog.RoleIndemnitor},
		Primary:     catalog.RoleDefendant,
		Fields: []catalog.FieldSpec{
			{Type: catalog.FieldSignature, Role: catalog.RoleDefendant, PageIndex: 0, X: 72, Y: 700, Width: 180, Height: 24},
			{Type: catalog.FieldSignature, Role: catalog.RoleIndemnitor, PageIndex: 0, X: 72, Y: 640, Width: 180, Height: 24},
		},
	}})
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}

	pkt, err := NewComposer(cat).Compose(testRoster(1), []string{"indemnitor-application"})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(pkt.Instances) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(pkt.Instances))
	}

	for _, inst := range pkt.Instances {
		if len(inst.Fields) != 1 {
			t.Fatalf("copy %s carries %d fields, want 1", inst.InstanceKey, len(inst.Fields))
		}
		f := inst.Fields[0]
		if f.Role != inst.BoundSigner.Role {
			t.Errorf("copy %s: %s slot bound on a %s copy", inst.InstanceKey, f.Role, inst.BoundSigner.Role)
		}
		if f.Signer.PersonID != inst.BoundSigner.PersonID {
			t.Errorf("copy %s: slot signed by %s, want copy signer %s",
				inst.InstanceKey, f.Signer.PersonID, inst.BoundSigner.PersonID)
		}
	}
}
