package walseg

import (
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
)

func TestNumber(t *testing.T) {
	assert.Equal(t, uint64(0), Number(pglogrepl.LSN(0), DefaultSize))
	assert.Equal(t, uint64(1), Number(pglogrepl.LSN(DefaultSize), DefaultSize))
	assert.Equal(t, uint64(1), Number(pglogrepl.LSN(DefaultSize+100), DefaultSize))
}

func TestFileNameMatchesPgWalfileNameLayout(t *testing.T) {
	// segment 0 under the default 16MB size is timeline 1, segment 0.
	assert.Equal(t, "000000010000000000000000", FileName(0, DefaultSize))

	segsPerXlog := uint64(0x100000000) / DefaultSize
	assert.Equal(t, "000000010000000100000000", FileName(segsPerXlog, DefaultSize))
}

func TestPartialAndFinalNames(t *testing.T) {
	assert.Equal(t, "000000010000000000000000.json.partial", PartialName(0, DefaultSize))
	assert.Equal(t, "000000010000000000000000.json", FinalName(0, DefaultSize))
}
