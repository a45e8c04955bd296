package logger

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/nshaver/nilesbridge/internal/receiver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWritesCSVRows(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir})
	defer l.Close()

	z := receiver.NewZone("den-z1", 1, "Den", false)
	l.Record("den", z, []receiver.StateChange{
		{Key: "power", Value: true, Display: "12"},
		{Key: "volume", Value: 12, Display: "12"},
	})

	files, err := filepath.Glob(filepath.Join(dir, "nilesbridge_*.csv"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3) // header + two changes

	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{"den", "1", "Den", "power", "true", "12"}, rows[1][1:])
	assert.Equal(t, []string{"den", "1", "Den", "volume", "12", "12"}, rows[2][1:])
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: false, Path: dir})
	defer l.Close()

	z := receiver.NewZone("den-z1", 1, "Den", false)
	l.Record("den", z, []receiver.StateChange{{Key: "power", Value: false, Display: "off"}})

	files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	require.NoError(t, err)
	assert.Empty(t, files)
}
