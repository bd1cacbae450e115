package posbase

import (
	"errors"
	"testing"
)

func TestAsRecord(t *testing.T) {
	t.Run("map payload", func(t *testing.T) {
		rec, err := AsRecord(map[string]interface{}{"name": "宫保鸡丁"})
		if err != nil {
			t.Fatalf("AsRecord failed: %v", err)
		}
		if rec["name"] != "宫保鸡丁" {
			t.Errorf("field lost in conversion: %v", rec)
		}
	})

	t.Run("record passthrough", func(t *testing.T) {
		in := Record{"price": 38.0}
		rec, err := AsRecord(in)
		if err != nil {
			t.Fatalf("AsRecord failed: %v", err)
		}
		if rec["price"] != 38.0 {
			t.Errorf("field lost in passthrough: %v", rec)
		}
	})

	rejected := []struct {
		name    string
		payload interface{}
	}{
		{"nil", nil},
		{"array", []interface{}{"a", "b"}},
		{"string", "just a string"},
		{"number", 42.0},
		{"boolean", true},
	}
	for _, tc := range rejected {
		t.Run("rejects "+tc.name, func(t *testing.T) {
			if _, err := AsRecord(tc.payload); !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("AsRecord(%v) = %v, want ErrInvalidPayload", tc.payload, err)
			}
		})
	}
}

func TestRecordAccessors(t *testing.T) {
	rec := Record{
		FieldID:        "abc",
		FieldCreatedAt: "2025-01-02T03:04:05Z",
	}
	if rec.ID() != "abc" {
		t.Errorf("ID() = %q", rec.ID())
	}
	if rec.CreatedAt() != "2025-01-02T03:04:05Z" {
		t.Errorf("CreatedAt() = %q", rec.CreatedAt())
	}
	if rec.UpdatedAt() != "" {
		t.Errorf("UpdatedAt() on unset field = %q", rec.UpdatedAt())
	}

	// Non-string id does not panic, just reads as empty
	weird := Record{FieldID: 7}
	if weird.ID() != "" {
		t.Errorf("non-string id read as %q", weird.ID())
	}

	clone := rec.Clone()
	clone["extra"] = true
	if _, ok := rec["extra"]; ok {
		t.Error("Clone shares storage with original")
	}
}

func TestKeyNaming(t *testing.T) {
	if got := RecordKey("dishes", "d1"); got != "dishes:d1" {
		t.Errorf("RecordKey = %q", got)
	}
	if got := IndexKey("dishes"); got != "dishes:index" {
		t.Errorf("IndexKey = %q", got)
	}
	if got := BucketIndexKey("dishes", "热菜"); got != "dishes:热菜:index" {
		t.Errorf("BucketIndexKey = %q", got)
	}
}

func TestRecordIDFromKey(t *testing.T) {
	cases := []struct {
		key    string
		wantID string
		wantOK bool
	}{
		{"dishes:d1", "d1", true},
		{"dishes:index", "", false},
		{"dishes:热菜:index", "", false},
		{"orders:o1", "", false},
		{"dishes:", "", false},
		{"dishes", "", false},
	}
	for _, tc := range cases {
		id, ok := recordIDFromKey("dishes", tc.key)
		if id != tc.wantID || ok != tc.wantOK {
			t.Errorf("recordIDFromKey(dishes, %q) = (%q, %v), want (%q, %v)",
				tc.key, id, ok, tc.wantID, tc.wantOK)
		}
	}
}

func TestIDListCodec(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		data, err := encodeIDList([]string{"a", "b"})
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		ids, err := decodeIDList(data)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
			t.Errorf("round trip lost data: %v", ids)
		}
	})

	t.Run("nil encodes as empty array", func(t *testing.T) {
		data, err := encodeIDList(nil)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if string(data) != "[]" {
			t.Errorf("nil list encoded as %s", data)
		}
	})

	t.Run("accepts double-encoded legacy form", func(t *testing.T) {
		ids, err := decodeIDList([]byte(`"[\"x\",\"y\"]"`))
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if len(ids) != 2 || ids[0] != "x" {
			t.Errorf("legacy form decoded as %v", ids)
		}
	})

	t.Run("rejects garbage as drift", func(t *testing.T) {
		if _, err := decodeIDList([]byte(`{"not":"a list"}`)); !errors.Is(err, ErrIndexDrift) {
			t.Errorf("garbage index value = %v, want ErrIndexDrift", err)
		}
	})
}
