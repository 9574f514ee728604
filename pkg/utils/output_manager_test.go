package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFilePath(t *testing.T) {
	base := t.TempDir()
	om := NewOutputManager(base)

	path, err := om.RunFilePath("run-1", "report.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "run-1", "report.json"), path)

	info, err := os.Stat(filepath.Join(base, "run-1"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestRunFilePathStripsSeparators(t *testing.T) {
	om := NewOutputManager(t.TempDir())
	path, err := om.RunFilePath("run-1", "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "passwd", filepath.Base(path))
	assert.Contains(t, path, filepath.Join("run-1", "passwd"))
}

func TestDownloadURL(t *testing.T) {
	om := NewOutputManager("out")
	assert.Equal(t, "/api/v1/runs/run-9/files/summaries.csv", om.DownloadURL("run-9", "summaries.csv"))
	assert.Equal(t, "/api/v1/runs/run-9/files/report.json", om.DownloadURL("run-9", "nested/report.json"))
}

func TestFileType(t *testing.T) {
	om := NewOutputManager("out")
	assert.Equal(t, "csv", om.FileType("summaries.CSV"))
	assert.Equal(t, "json", om.FileType("report.json"))
	assert.Equal(t, "unknown", om.FileType("archive.tar.gz"))
}

func TestFileSize(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0644))

	om := NewOutputManager(base)
	size, err := om.FileSize(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	_, err = om.FileSize(filepath.Join(base, "missing"))
	assert.Error(t, err)
}
