package ruleengine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileDumperDumpMessage(t *testing.T) {
	dir := t.TempDir()
	d := NewFileDumper(dir)

	require.NoError(t, d.DumpMessage("abc-123", []byte("From: a@b.com\r\n\r\nhi")))

	got, err := os.ReadFile(filepath.Join(dir, "abc-123.eml"))
	require.NoError(t, err)
	assert.Equal(t, "From: a@b.com\r\n\r\nhi", string(got))
}

func TestFileDumperDumpContext(t *testing.T) {
	dir := t.TempDir()
	d := NewFileDumper(dir)

	require.NoError(t, d.DumpContext("abc-123", []byte(`{"uuid":"abc-123"}`)))

	got, err := os.ReadFile(filepath.Join(dir, "abc-123.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"uuid":"abc-123"}`, string(got))
}
