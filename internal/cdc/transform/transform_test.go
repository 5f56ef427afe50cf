package transform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvelopes(t *testing.T, dir string, lines []string) string {
	t.Helper()
	p := filepath.Join(dir, "seg.json")
	f, err := os.Create(p)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
	return p
}

func TestTransformFileFullTransaction(t *testing.T) {
	dir := t.TempDir()
	jsonPath := writeEnvelopes(t, dir, []string{
		`{"lsn":"0/100","payload":"{\"action\":\"B\",\"xid\":501}"}`,
		`{"lsn":"0/108","payload":"{\"action\":\"I\",\"xid\":501,\"schema\":\"public\",\"table\":\"widgets\",\"columns\":[{\"name\":\"id\",\"type\":\"int4\",\"value\":1},{\"name\":\"name\",\"type\":\"text\",\"value\":\"foo\"}]}"}`,
		`{"lsn":"0/110","payload":"{\"action\":\"U\",\"xid\":501,\"schema\":\"public\",\"table\":\"widgets\",\"identity\":[{\"name\":\"id\",\"type\":\"int4\",\"value\":1}],\"columns\":[{\"name\":\"id\",\"type\":\"int4\",\"value\":1},{\"name\":\"name\",\"type\":\"text\",\"value\":\"bar\"}]}"}`,
		`{"lsn":"0/118","payload":"{\"action\":\"D\",\"xid\":501,\"schema\":\"public\",\"table\":\"widgets\",\"identity\":[{\"name\":\"id\",\"type\":\"int4\",\"value\":1}]}"}`,
		`{"lsn":"0/120","payload":"{\"action\":\"C\",\"xid\":501,\"lsn\":\"0/120\"}"}`,
	})
	sqlPath := filepath.Join(dir, "seg.sql")

	require.NoError(t, TransformFile(jsonPath, sqlPath))

	out, err := os.ReadFile(sqlPath)
	require.NoError(t, err)
	got := string(out)

	assert.Contains(t, got, "-- begin xid=501")
	assert.Contains(t, got, `insert into "public"."widgets"`)
	assert.Contains(t, got, `'foo'`)
	assert.Contains(t, got, `update "public"."widgets" set`)
	assert.Contains(t, got, `"name" = 'bar'`)
	assert.Contains(t, got, `where "id" = '1'`)
	assert.Contains(t, got, `delete from "public"."widgets" where "id" = '1';`)
	assert.Contains(t, got, "-- commit xid=501 lsn=0/120")
}

func TestTransformFileSkipsCommitWithoutBegin(t *testing.T) {
	dir := t.TempDir()
	jsonPath := writeEnvelopes(t, dir, []string{
		`{"lsn":"0/10","payload":"{\"action\":\"C\",\"xid\":1}"}`,
	})
	sqlPath := filepath.Join(dir, "seg.sql")

	require.NoError(t, TransformFile(jsonPath, sqlPath))

	out, err := os.ReadFile(sqlPath)
	require.NoError(t, err)
	assert.Empty(t, string(out))
}

func TestTransformFileDropsStatementsOutsideTransaction(t *testing.T) {
	dir := t.TempDir()
	jsonPath := writeEnvelopes(t, dir, []string{
		`{"lsn":"0/10","payload":"{\"action\":\"I\",\"xid\":1,\"schema\":\"public\",\"table\":\"widgets\",\"columns\":[{\"name\":\"id\",\"type\":\"int4\",\"value\":1}]}"}`,
	})
	sqlPath := filepath.Join(dir, "seg.sql")

	require.NoError(t, TransformFile(jsonPath, sqlPath))

	out, err := os.ReadFile(sqlPath)
	require.NoError(t, err)
	assert.Empty(t, string(out))
}

func TestLiteralEscapesQuotes(t *testing.T) {
	v := "o'brien"
	assert.Equal(t, "'o''brien'", literal(&v))
	assert.Equal(t, "null", literal(nil))
}

func TestWhereFromTupleNoIdentity(t *testing.T) {
	assert.Equal(t, "true", whereFromTuple(nil))
}
