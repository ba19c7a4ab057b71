package rtmp

import (
	"bytes"
	"testing"
)

func TestAMF0RoundTrip(t *testing.T) {
	t.Run("Number", func(t *testing.T) {
		roundTrip(t, Num(123.456))
	})

	t.Run("Boolean", func(t *testing.T) {
		roundTrip(t, Bool(true))
		roundTrip(t, Bool(false))
	})

	t.Run("String", func(t *testing.T) {
		roundTrip(t, Str("live"))
	})

	t.Run("LongString", func(t *testing.T) {
		roundTrip(t, LongStr("x"))
	})

	t.Run("Null", func(t *testing.T) {
		roundTrip(t, Null())
	})

	t.Run("Undefined", func(t *testing.T) {
		roundTrip(t, Undefined())
	})

	t.Run("Date", func(t *testing.T) {
		roundTrip(t, Date(1700000000000))
	})

	t.Run("StrictArray", func(t *testing.T) {
		roundTrip(t, StrictArr(Num(1), Str("two"), Bool(true)))
	})

	t.Run("ObjectPreservesKeyOrder", func(t *testing.T) {
		obj := NewObjectValue(
			Pair{Key: "zeta", Value: Num(1)},
			Pair{Key: "alpha", Value: Str("a")},
			Pair{Key: "middle", Value: Bool(true)},
		)
		v := Obj(obj)

		var buf bytes.Buffer
		if err := NewEncoder(&buf).EncodeValue(v); err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		decoded, err := NewDecoder(&buf).DecodeValue()
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		got := decoded.AsObject()
		if len(got.Pairs) != 3 {
			t.Fatalf("expected 3 pairs, got %d", len(got.Pairs))
		}
		wantKeys := []string{"zeta", "alpha", "middle"}
		for i, k := range wantKeys {
			if got.Pairs[i].Key != k {
				t.Errorf("pair %d: expected key %q, got %q", i, k, got.Pairs[i].Key)
			}
		}

		if !v.Equal(decoded) {
			t.Errorf("decode(encode(v)) != v for ordered object")
		}
	})

	t.Run("EcmaArrayAdvisoryCountMismatchStillDecodes", func(t *testing.T) {
		var buf bytes.Buffer
		// Hand-roll an EcmaArray with an advisory count of 5 but only one
		// real member, terminated by the normal empty-key + end marker.
		buf.WriteByte(amf0EcmaArray)
		buf.Write([]byte{0, 0, 0, 5})
		buf.Write([]byte{0, 1})
		buf.WriteString("a")
		if err := NewEncoder(&buf).EncodeValue(Num(1)); err != nil {
			t.Fatalf("encode member failed: %v", err)
		}
		buf.Write([]byte{0, 0, amf0ObjectEnd})

		v, err := NewDecoder(&buf).DecodeValue()
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if v.Type != TypeEcmaArray {
			t.Fatalf("expected EcmaArray, got %v", v.Type)
		}
		if len(v.AsObject().Pairs) != 1 {
			t.Fatalf("expected 1 decoded pair despite advisory count of 5, got %d", len(v.AsObject().Pairs))
		}
	})

	t.Run("NestedObjectInArray", func(t *testing.T) {
		inner := NewObjectValue(Pair{Key: "width", Value: Num(1920)})
		v := StrictArr(Str("onMetaData"), Obj(inner))
		roundTrip(t, v)
	})
}

func TestAMF0DecodeErrors(t *testing.T) {
	t.Run("UnknownMarker", func(t *testing.T) {
		_, err := NewDecoder(bytes.NewReader([]byte{0xFE})).DecodeValue()
		if err == nil {
			t.Fatal("expected error for unknown marker")
		}
	})

	t.Run("TruncatedString", func(t *testing.T) {
		_, err := NewDecoder(bytes.NewReader([]byte{amf0String, 0, 5, 'h', 'i'})).DecodeValue()
		if err == nil {
			t.Fatal("expected error for truncated string body")
		}
	})
}

func TestAMF0DecodeAllSequence(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.EncodeValues(Str("connect"), Num(1), Null()); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	values, err := NewDecoder(&buf).DecodeAll()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(values) != 3 {
		t.Fatalf("expected 3 top-level values, got %d", len(values))
	}
	if values[0].AsString() != "connect" {
		t.Errorf("expected first value 'connect', got %q", values[0].AsString())
	}
}

func roundTrip(t *testing.T, v Value) {
	t.Helper()

	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeValue(v); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := NewDecoder(&buf).DecodeValue()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if !v.Equal(decoded) {
		t.Errorf("decode(encode(v)) != v: got %+v, want %+v", decoded, v)
	}
}
