package identity

import (
	"testing"
)

func TestGenerateInstanceID_DistinctForSameCoordinates(t *testing.T) {
	a := GenerateInstanceID("financial-scrapper-service", "127.0.0.1", 8080)
	b := GenerateInstanceID("financial-scrapper-service", "127.0.0.1", 8080)
	if a == b {
		t.Fatalf("two instances on the same coordinates must get distinct ids, both got %s", a)
	}
	if !ValidInstanceID(a) || !ValidInstanceID(b) {
		t.Fatalf("generated ids must be 32 hex chars, got %q and %q", a, b)
	}
}

func TestValidInstanceID(t *testing.T) {
	if ValidInstanceID("not-hex") {
		t.Error("non-hex id accepted")
	}
	if ValidInstanceID("abcd") {
		t.Error("short id accepted")
	}
	if !ValidInstanceID("0123456789abcdef0123456789abcdef") {
		t.Error("well-formed id rejected")
	}
}

func TestTokenTable_IssueAndValidate(t *testing.T) {
	tbl := NewTokenTable()
	tok := tbl.Issue("i1")
	if tok == "" {
		t.Fatal("empty token issued")
	}
	if !tbl.Validate(tok, "i1") {
		t.Error("issued token must validate")
	}
	if tbl.Validate(tok, "i2") {
		t.Error("token must be bound to its instance")
	}
	if tbl.Validate("bogus", "i1") {
		t.Error("wrong token validated")
	}
}

func TestTokenTable_RotateInvalidatesPrevious(t *testing.T) {
	tbl := NewTokenTable()
	t1 := tbl.Issue("i1")
	t2, ok := tbl.Rotate("i1")
	if !ok {
		t.Fatal("rotate failed for known instance")
	}
	if t2 == t1 {
		t.Fatal("rotation returned the previous token")
	}
	if tbl.Validate(t1, "i1") {
		t.Error("previous token still valid after rotation")
	}
	if !tbl.Validate(t2, "i1") {
		t.Error("rotated token must validate")
	}
}

func TestTokenTable_RotateUnknownInstance(t *testing.T) {
	tbl := NewTokenTable()
	if _, ok := tbl.Rotate("ghost"); ok {
		t.Error("rotate must fail for unknown instance")
	}
}

func TestTokenTable_Drop(t *testing.T) {
	tbl := NewTokenTable()
	tok := tbl.Issue("i1")
	tbl.Drop("i1")
	if tbl.Validate(tok, "i1") {
		t.Error("dropped token still valid")
	}
	if tbl.Size() != 0 {
		t.Errorf("expected empty table, size=%d", tbl.Size())
	}
}

func TestNewToken_Distinct(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		tok := NewToken()
		if seen[tok] {
			t.Fatalf("duplicate token %s", tok)
		}
		seen[tok] = true
	}
}
