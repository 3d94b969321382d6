package metadata

import "testing"

func TestCloneIsIndependent(t *testing.T) {
	original := Metadata{"a": "1"}
	cloned := original.Clone()

	cloned["a"] = "2"
	cloned["b"] = "3"

	if original["a"] != "1" {
		t.Fatal("clone mutated the original")
	}
	if _, ok := original["b"]; ok {
		t.Fatal("clone shares storage with the original")
	}
}

func TestWithAddsWithoutMutating(t *testing.T) {
	original := Metadata{"a": "1"}
	updated := original.With("b", "2")

	if updated["a"] != "1" || updated["b"] != "2" {
		t.Fatalf("unexpected result: %#v", updated)
	}
	if _, ok := original["b"]; ok {
		t.Fatal("With mutated the original")
	}
}

func TestNewFromPairs(t *testing.T) {
	md := New("a", "1", "b", "2")
	if md["a"] != "1" || md["b"] != "2" {
		t.Fatalf("unexpected result: %#v", md)
	}

	// A trailing key without a value is dropped.
	md = New("a", "1", "orphan")
	if len(md) != 1 {
		t.Fatalf("expected orphan key to be dropped, got %#v", md)
	}
}

func TestWatermillConversionCopies(t *testing.T) {
	wm := map[string]string{"correlation_id": "c1"}

	md := FromWatermill(wm)
	md["correlation_id"] = "c2"
	if wm["correlation_id"] != "c1" {
		t.Fatal("FromWatermill shares storage")
	}

	back := ToWatermill(md)
	back["extra"] = "x"
	if _, ok := md["extra"]; ok {
		t.Fatal("ToWatermill shares storage")
	}
}
