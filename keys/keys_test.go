package keys

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRoundtripOrdering(t *testing.T) {
	a := Key{Kind: KindThing, NS: "n", DB: "d", TB: "person", RecordID: Ident("1")}.Encode()
	b := Key{Kind: KindThing, NS: "n", DB: "d", TB: "person", RecordID: Ident("2")}.Encode()
	assert.Equal(t, -1, bytes.Compare(a, b))
}

func TestTablePrefixContainsRecords(t *testing.T) {
	begin, end := TablePrefix("n", "d", "person")
	rec := Key{Kind: KindThing, NS: "n", DB: "d", TB: "person", RecordID: Ident("1")}.Encode()
	assert.True(t, bytes.Compare(begin, rec) <= 0)
	assert.True(t, bytes.Compare(rec, end) < 0)
}

func TestEscapingPreservesOrder(t *testing.T) {
	names := []string{"alice", "bob!", "carl*x", "dana~z"}
	encoded := make([][]byte, len(names))
	for i, n := range names {
		encoded[i] = Key{Kind: KindThing, NS: "n", DB: "d", TB: "t", RecordID: Ident(n)}.Encode()
	}
	sorted := append([][]byte{}, encoded...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })
	for i := range encoded {
		assert.Equal(t, encoded[i], sorted[i])
	}
}

func TestIndexPrefixScopesToFieldTuple(t *testing.T) {
	begin, end := IndexPrefix("n", "d", "person", "idx_email", []Ident{Ident("a@b.com")})
	entry := Key{Kind: KindIndex, NS: "n", DB: "d", TB: "person", IndexName: "idx_email",
		FieldVals: []Ident{Ident("a@b.com")}, IndexKey: Ident("person:1")}.Encode()
	assert.True(t, bytes.Compare(begin, entry) <= 0)
	assert.True(t, bytes.Compare(entry, end) < 0)
}

func TestDecodeRoundtrips(t *testing.T) {
	cases := []Key{
		{Kind: KindNamespace, NS: "n"},
		{Kind: KindDatabase, NS: "n", DB: "d"},
		{Kind: KindTable, NS: "n", DB: "d", TB: "person"},
		{Kind: KindThing, NS: "n", DB: "d", TB: "person", RecordID: Ident("alice")},
		{Kind: KindThing, NS: "n", DB: "d", TB: "person", RecordID: Ident("bob!*x~#")},
		{Kind: KindGraphAdjacency, NS: "n", DB: "d", TB: "person", RecordID: Ident("1"),
			Dir: '>', EdgeTable: "knows", EdgeID: Ident("2")},
		{Kind: KindGraphAdjacency, NS: "n", DB: "d", TB: "person", RecordID: Ident("1"),
			Dir: '<', EdgeTable: "knows", EdgeID: Ident("2")},
		{Kind: KindIndex, NS: "n", DB: "d", TB: "person", IndexName: "idx_email",
			FieldVals: []Ident{Ident("a@b.com")}},
		{Kind: KindIndex, NS: "n", DB: "d", TB: "person", IndexName: "idx_name_age",
			FieldVals: []Ident{Ident("alice"), Ident("30")}},
		{Kind: KindChangefeed, NS: "n", DB: "d", Versionstamp: 0},
		{Kind: KindChangefeed, NS: "n", DB: "d", Versionstamp: 123456789},
		{Kind: KindLiveQuery, NodeID: "node1", LiveID: "live1"},
	}

	for _, want := range cases {
		encoded := want.Encode()
		got, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	_, err := Decode(nil)
	require.Error(t, err)

	valid := Key{Kind: KindThing, NS: "n", DB: "d", TB: "person", RecordID: Ident("1")}.Encode()
	_, err = Decode(valid[:len(valid)-1])
	require.Error(t, err)

	_, err = Decode(append(append([]byte{}, valid...), sepByte))
	require.Error(t, err)

	_, err = Decode([]byte{byte(Kind('?'))})
	require.Error(t, err)
}
