package storage

import "testing"

func TestCodecsRoundTrip(t *testing.T) {
	type doc struct {
		Name string `json:"name" bson:"name" msgpack:"name"`
		Age  int    `json:"age" bson:"age" msgpack:"age"`
	}
	in := doc{Name: "ada", Age: 36}

	for name, codec := range map[string]Codec{
		"json":    JSONCodec{},
		"bson":    BSONCodec{},
		"msgpack": MsgpackCodec{},
	} {
		t.Run(name, func(t *testing.T) {
			raw, err := codec.Marshal(in)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			var out doc
			if err := codec.Unmarshal(raw, &out); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if out != in {
				t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
			}
		})
	}
}

func TestExtractFieldAcrossCodecs(t *testing.T) {
	type doc struct {
		Email string `json:"email" bson:"email" msgpack:"email"`
	}
	in := doc{Email: "a@example.com"}

	for name, codec := range map[string]Codec{
		"json":    JSONCodec{},
		"bson":    BSONCodec{},
		"msgpack": MsgpackCodec{},
	} {
		t.Run(name, func(t *testing.T) {
			raw, err := codec.Marshal(in)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			v, ok, err := ExtractField(raw, "email", codec)
			if err != nil {
				t.Fatalf("ExtractField: %v", err)
			}
			if !ok || v != in.Email {
				t.Fatalf("ExtractField = %v, %v; want %q, true", v, ok, in.Email)
			}

			if _, ok, err := ExtractField(raw, "missing", codec); err != nil || ok {
				t.Fatalf("ExtractField(missing) = %v, %v; want false, nil", ok, err)
			}
		})
	}
}
