package storage

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	apperrors "github.com/johnayoung/go-kline-sync/internal/errors"
	"github.com/johnayoung/go-kline-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) SeriesStore {
		return NewCSVStore(t.TempDir(), "", createTestLogger())
	}, assertSameCandles)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCSVStore_Format(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := NewCSVStore(root, "open_time", createTestLogger())

	rows := createTestCandles(2, testStart)
	require.NoError(t, store.Save(ctx, btcLoc, &models.Series{Key: btcKey, Candles: rows}))

	data, err := os.ReadFile(filepath.Join(root, "BTCUSDT", "klines.csv"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "open_time,open,high,low,close,volume,close_time,quote_av,trades,tb_base_av,tb_quote_av", lines[0])
	assert.Equal(t, "2017-08-17T04:00:00.000Z,4000,4025.5,3987.75,4003,10.5,2017-08-17T04:59:59.999Z,42000.5,100,5.25,21000.125", lines[1])
}

func TestCSVStore_ReadsForeignLayouts(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := NewCSVStore(root, "timestamp", createTestLogger())

	// Column order differs and extras are missing, as in a file written by pandas.
	writeFile(t, store.Path(btcLoc), strings.Join([]string{
		"timestamp,volume,close,low,high,open",
		"2017-08-17 04:00:00,1.5,4300,4200,4350,4261.48",
		"2017-08-17 05:00:00+00:00,2,4310,4290,4320,4300",
	}, "\n")+"\n")

	series, err := store.Load(ctx, btcLoc)
	require.NoError(t, err)
	require.Equal(t, 2, series.Len())

	first := series.Candles[0]
	assert.Equal(t, testStart, first.Timestamp)
	assert.Equal(t, "4261.48", first.Open.String())
	assert.Equal(t, "1.5", first.Volume.String())
	assert.True(t, first.CloseTime.IsZero())
	assert.Equal(t, testStart.Add(time.Hour), series.Candles[1].Timestamp)
}

func TestCSVStore_EmptyFiles(t *testing.T) {
	ctx := context.Background()
	store := NewCSVStore(t.TempDir(), "", createTestLogger())

	t.Run("zero bytes", func(t *testing.T) {
		writeFile(t, store.Path(btcLoc), "")
		series, err := store.Load(ctx, btcLoc)
		require.NoError(t, err)
		assert.True(t, series.IsEmpty())
	})

	t.Run("header only", func(t *testing.T) {
		writeFile(t, store.Path(btcLoc), "timestamp,open,high,low,close,volume\n")
		series, err := store.Load(ctx, btcLoc)
		require.NoError(t, err)
		assert.True(t, series.IsEmpty())
	})
}

func TestCSVStore_CorruptState(t *testing.T) {
	ctx := context.Background()

	testCases := []struct {
		name    string
		content string
		row     int
		reason  string
	}{
		{
			name:    "missing time column",
			content: "date,open,high,low,close,volume\n2017-08-17,1,1,1,1,1\n",
			reason:  `missing time column "timestamp"`,
		},
		{
			name:    "unparsable timestamp",
			content: "timestamp,open,high,low,close,volume\n2017-08-17T04:00:00Z,1,1,1,1,1\nyesterday,1,1,1,1,1\n",
			row:     2,
			reason:  "unparsable timestamp",
		},
		{
			name:    "unparsable price",
			content: "timestamp,open,high,low,close,volume\n2017-08-17T04:00:00Z,one,1,1,1,1\n",
			row:     1,
			reason:  "unparsable open",
		},
		{
			name:    "ragged row",
			content: "timestamp,open,high,low,close,volume\n2017-08-17T04:00:00Z,1,1\n",
			row:     1,
			reason:  "unreadable row",
		},
		{
			name:    "duplicate timestamps",
			content: "timestamp,open,high,low,close,volume\n2017-08-17T04:00:00Z,1,1,1,1,1\n2017-08-17T04:00:00Z,2,2,2,2,2\n",
			reason:  "timestamps are not strictly increasing",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := NewCSVStore(t.TempDir(), "", createTestLogger())
			writeFile(t, store.Path(btcLoc), tc.content)

			_, err := store.Load(ctx, btcLoc)
			require.Error(t, err)

			var corrupt *apperrors.CorruptLocalStateError
			require.ErrorAs(t, err, &corrupt)
			assert.Equal(t, tc.reason, corrupt.Reason)
			assert.Equal(t, tc.row, corrupt.Row)
			assert.Equal(t, "BTCUSDT", corrupt.Symbol)
			assert.Equal(t, store.Path(btcLoc), corrupt.Path)
		})
	}
}

func TestCSVStore_SaveLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := NewCSVStore(root, "", createTestLogger())

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(ctx, btcLoc, &models.Series{Key: btcKey, Candles: createTestCandles(5+i, testStart)}))
	}

	entries, err := os.ReadDir(filepath.Join(root, "BTCUSDT"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "klines.csv", entries[0].Name())
}

func TestCSVStore_UnreadableFile(t *testing.T) {
	ctx := context.Background()

	t.Run("permission denied", func(t *testing.T) {
		if runtime.GOOS == "windows" || os.Geteuid() == 0 {
			t.Skip("file modes do not restrict this user")
		}
		store := NewCSVStore(t.TempDir(), "", createTestLogger())
		require.NoError(t, store.Save(ctx, btcLoc, &models.Series{Key: btcKey, Candles: createTestCandles(2, testStart)}))

		path := store.Path(btcLoc)
		require.NoError(t, os.Chmod(path, 0o000))
		t.Cleanup(func() { _ = os.Chmod(path, 0o644) })

		_, err := store.Load(ctx, btcLoc)
		var corrupt *apperrors.CorruptLocalStateError
		require.ErrorAs(t, err, &corrupt)
		assert.Equal(t, "unreadable file", corrupt.Reason)
		assert.Equal(t, path, corrupt.Path)
		assert.ErrorIs(t, err, os.ErrPermission)
		assert.Equal(t, apperrors.ErrorTypeCorruptState, apperrors.Classify(err))
	})

	t.Run("directory in place of the file", func(t *testing.T) {
		store := NewCSVStore(t.TempDir(), "", createTestLogger())
		require.NoError(t, os.MkdirAll(store.Path(btcLoc), 0o755))

		_, err := store.Load(ctx, btcLoc)
		var corrupt *apperrors.CorruptLocalStateError
		require.ErrorAs(t, err, &corrupt)
		assert.Equal(t, "BTCUSDT", corrupt.Symbol)
	})
}
