package decoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbxfer/dbxfer/internal/cdc"
)

func TestDecodeBeginCommitBoundaries(t *testing.T) {
	stmt, meta, err := Decode([]byte(`{"action":"B","xid":42}`), PluginWal2JSON)
	require.NoError(t, err)
	assert.Nil(t, stmt)
	assert.Equal(t, cdc.ActionBegin, meta.Action)
	assert.Equal(t, uint32(42), meta.Xid)

	stmt, meta, err = Decode([]byte(`{"action":"C","xid":42,"lsn":"0/1"}`), PluginWal2JSON)
	require.NoError(t, err)
	assert.Nil(t, stmt)
	assert.Equal(t, cdc.ActionCommit, meta.Action)
	assert.Equal(t, uint32(42), meta.Xid)
}

func TestDecodeInsert(t *testing.T) {
	raw := []byte(`{
		"action":"I",
		"xid":7,
		"schema":"public",
		"table":"widgets",
		"columns":[{"name":"id","type":"int4","value":1},{"name":"name","type":"text","value":"foo"}]
	}`)
	stmt, meta, err := Decode(raw, PluginWal2JSON)
	require.NoError(t, err)
	assert.Equal(t, cdc.ActionInsert, meta.Action)

	ins, ok := stmt.(cdc.InsertStatement)
	require.True(t, ok)
	assert.Equal(t, "public", ins.Namespace)
	assert.Equal(t, "widgets", ins.Relation)
	require.NotNil(t, ins.New["id"])
	assert.Equal(t, "1", *ins.New["id"])
	require.NotNil(t, ins.New["name"])
	assert.Equal(t, "foo", *ins.New["name"])
}

func TestDecodeUpdateCarriesOldAndNew(t *testing.T) {
	raw := []byte(`{
		"action":"U",
		"xid":7,
		"schema":"public",
		"table":"widgets",
		"identity":[{"name":"id","type":"int4","value":1}],
		"columns":[{"name":"id","type":"int4","value":1},{"name":"name","type":"text","value":"bar"}]
	}`)
	stmt, _, err := Decode(raw, PluginWal2JSON)
	require.NoError(t, err)
	upd := stmt.(cdc.UpdateStatement)
	assert.Equal(t, "1", *upd.Old["id"])
	assert.Equal(t, "bar", *upd.New["name"])
}

func TestDecodeDeleteCarriesOldOnly(t *testing.T) {
	raw := []byte(`{"action":"D","xid":8,"schema":"public","table":"widgets","identity":[{"name":"id","type":"int4","value":5}]}`)
	stmt, _, err := Decode(raw, PluginWal2JSON)
	require.NoError(t, err)
	del := stmt.(cdc.DeleteStatement)
	assert.Equal(t, "5", *del.Old["id"])
}

func TestDecodeNullColumnValue(t *testing.T) {
	raw := []byte(`{"action":"I","xid":9,"schema":"public","table":"widgets","columns":[{"name":"note","type":"text","value":null}]}`)
	stmt, _, err := Decode(raw, PluginWal2JSON)
	require.NoError(t, err)
	ins := stmt.(cdc.InsertStatement)
	assert.Nil(t, ins.New["note"])
}

func TestDecodeRejectsTestDecoding(t *testing.T) {
	_, _, err := Decode([]byte(`anything`), PluginTestDecoding)
	assert.Error(t, err)
}

func TestParseXid(t *testing.T) {
	v, err := ParseXid("123")
	require.NoError(t, err)
	assert.Equal(t, uint32(123), v)

	_, err = ParseXid("not-a-number")
	assert.Error(t, err)
}
