package mongostore

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/v2/bson"
	"pgregory.net/rapid"
)

func TestNormalize_UnwrapsBinary(t *testing.T) {
	in := bson.D{
		{Key: "noiseKey", Value: bson.D{
			{Key: "private", Value: bson.Binary{Data: []byte{1, 2}}},
			{Key: "public", Value: bson.Binary{Subtype: 0x00, Data: []byte{3, 4}}},
		}},
		{Key: "registered", Value: true},
		{Key: "registrationId", Value: int64(42)},
		{Key: "list", Value: bson.A{bson.Binary{Data: []byte{5}}, "x"}},
		{Key: "meta", Value: bson.M{"sig": &bson.Binary{Data: []byte{6}}}},
	}

	want := map[string]any{
		"noiseKey": map[string]any{
			"private": []byte{1, 2},
			"public":  []byte{3, 4},
		},
		"registered":     true,
		"registrationId": int64(42),
		"list":           []any{[]byte{5}, "x"},
		"meta":           map[string]any{"sig": []byte{6}},
	}

	assert.Equal(t, want, Normalize(in))
}

func TestNormalize_Scalars(t *testing.T) {
	assert.Nil(t, Normalize(nil))
	assert.Equal(t, "s", Normalize("s"))
	assert.Equal(t, []byte{9}, Normalize(bson.Binary{Data: []byte{9}}))
	var nilBinary *bson.Binary
	assert.Nil(t, Normalize(nilBinary))
}

// drawTree builds a random document in driver form along with the plain
// form Normalize must produce.
func drawTree(t *rapid.T, depth int, label string) (wrapped, plain any) {
	kind := rapid.IntRange(0, 4).Draw(t, label+".kind")
	if depth == 0 {
		kind = rapid.IntRange(0, 1).Draw(t, label+".leaf")
	}

	switch kind {
	case 0:
		data := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, label+".bytes")
		return bson.Binary{Data: data}, data
	case 1:
		s := rapid.String().Draw(t, label+".string")
		return s, s
	case 2:
		n := rapid.IntRange(0, 4).Draw(t, label+".len")
		d := bson.D{}
		m := map[string]any{}
		for i := range n {
			key := fmt.Sprintf("k%d", i)
			w, p := drawTree(t, depth-1, label+"."+key)
			d = append(d, bson.E{Key: key, Value: w})
			m[key] = p
		}
		return d, m
	case 3:
		n := rapid.IntRange(0, 4).Draw(t, label+".len")
		a := bson.A{}
		s := []any{}
		for i := range n {
			w, p := drawTree(t, depth-1, fmt.Sprintf("%s[%d]", label, i))
			a = append(a, w)
			s = append(s, p)
		}
		return a, s
	default:
		n := rapid.IntRange(0, 4).Draw(t, label+".len")
		bm := bson.M{}
		m := map[string]any{}
		for i := range n {
			key := fmt.Sprintf("m%d", i)
			w, p := drawTree(t, depth-1, label+"."+key)
			bm[key] = w
			m[key] = p
		}
		return bm, m
	}
}

func TestNormalize_NestedBinaryProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		depth := rapid.IntRange(0, 6).Draw(t, "depth")
		wrapped, plain := drawTree(t, depth, "root")

		got := Normalize(wrapped)
		if !assert.ObjectsAreEqual(plain, got) {
			t.Fatalf("normalize mismatch:\nwant %#v\ngot  %#v", plain, got)
		}
	})
}
