package TrialLog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixed = time.Date(2024, 3, 7, 14, 5, 9, 0, time.Local)

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func rec(animal string, block, trial int) Record {
	ttnp := 1500 * time.Millisecond
	tinp := 250 * time.Millisecond
	return Record{
		Start:     fixed,
		Animal:    animal,
		Block:     block,
		Trial:     trial,
		OdorName:  "limonene",
		OdorIndex: "p5",
		Side:      "l",
		SideWent:  "l",
		Outcome:   OutcomePass,
		Rewarded:  true,
		TTNP:      &ttnp,
		TINP:      &tinp,
		ITI:       3 * time.Second,
	}
}

func TestRecordFields(t *testing.T) {
	fields := rec("rat1", 1, 4).Fields()
	require.Len(t, fields, len(Header))
	assert.Equal(t, []string{"03-07-2024", "14:05:09", "rat1", "1", "4", "limonene", "p5",
		"l", "l", "1", "1", "1.5", "0.25", "", "3"}, fields)

	empty := Record{Start: fixed, Outcome: OutcomeNone}.Fields()
	assert.Equal(t, "", empty[9])
	assert.Equal(t, "0", empty[10])
	assert.Equal(t, "", empty[11])
	assert.Equal(t, "2", OutcomeIncomplete.Code())
	assert.Equal(t, "0", OutcomeFail.Code())
}

func TestStrftime(t *testing.T) {
	cases := map[string]string{
		"{animal}_%m-%d-%Y_%I-%M-%S_%p.csv": "rat_03-07-2024_02-05-09_PM.csv",
		"{animal}_%H%M_{block}-{trial}.csv": "rat_1405_2-5.csv",
		"100%%_%b.csv":                      "100%_Mar.csv",
		"plain.csv":                         "plain.csv",
	}
	for pattern, want := range cases {
		l := NewCsvLogger(pattern, nil)
		l.Now = func() time.Time { return fixed }
		got, err := l.Filename(rec("rat", 2, 5))
		require.NoError(t, err, pattern)
		assert.Equal(t, want, got, pattern)
	}

	// 未知指令不能生成文件
	l := NewCsvLogger(filepath.Join(t.TempDir(), "%Q.csv"), nil)
	_, err := l.Filename(rec("rat", 0, 0))
	assert.Error(t, err)
	assert.Error(t, l.Write(rec("rat", 0, 0)))
	assert.Equal(t, "", l.Current())
}

func TestCsvLogger_AppendNoDuplicateHeader(t *testing.T) {
	dir := t.TempDir()
	pattern := filepath.Join(dir, "{animal}_%Y.csv")

	l := NewCsvLogger(pattern, nil)
	l.Now = func() time.Time { return fixed }
	require.NoError(t, l.Write(rec("rat1", 0, 0)))
	require.NoError(t, l.Write(rec("rat1", 0, 1)))
	require.NoError(t, l.Close())

	// 重新打开同一文件只追加数据，不重复表头
	l2 := NewCsvLogger(pattern, nil)
	l2.Now = func() time.Time { return fixed }
	require.NoError(t, l2.Write(rec("rat1", 0, 1)))
	require.NoError(t, l2.Close())

	rows := readRows(t, filepath.Join(dir, "rat1_2024.csv"))
	require.Len(t, rows, 4)
	assert.Equal(t, Header, rows[0])
	for _, r := range rows[1:] {
		assert.NotEqual(t, "Date", r[0])
	}
	assert.Equal(t, rows[2], rows[3])
}

func TestCsvLogger_Rotate(t *testing.T) {
	dir := t.TempDir()
	l := NewCsvLogger(filepath.Join(dir, "{animal}_b{block}.csv"), nil)
	defer l.Close()

	require.NoError(t, l.Write(rec("rat1", 0, 0)))
	assert.True(t, strings.HasSuffix(l.Current(), "rat1_b0.csv"))
	require.NoError(t, l.Write(rec("rat1", 1, 0)))
	assert.True(t, strings.HasSuffix(l.Current(), "rat1_b1.csv"))

	assert.Len(t, readRows(t, filepath.Join(dir, "rat1_b0.csv")), 2)
	assert.Len(t, readRows(t, filepath.Join(dir, "rat1_b1.csv")), 2)
}

func TestCsvLogger_EmptyPattern(t *testing.T) {
	l := NewCsvLogger("", nil)
	assert.NoError(t, l.Write(rec("rat1", 0, 0)))
	assert.Equal(t, "", l.Current())
	assert.NoError(t, l.Close())
}
