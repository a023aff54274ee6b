package delivery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMboxAppendToWritesEnvelopeAndEscapesFromLines(t *testing.T) {
	dir := t.TempDir()
	w := NewMboxWorker(dir)
	w.nowFunc = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	err := w.appendTo("bob", "bob@example.test", []byte("Subject: hi\nFrom the team\n\nbody\n"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "bob"))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "From bob@example.test ")
	assert.Contains(t, content, ">From the team")
}

func TestMboxAppendToAppendsAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	w := NewMboxWorker(dir)

	require.NoError(t, w.appendTo("carol", "carol@example.test", []byte("first\n")))
	require.NoError(t, w.appendTo("carol", "carol@example.test", []byte("second\n")))

	data, err := os.ReadFile(filepath.Join(dir, "carol"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "first")
	assert.Contains(t, string(data), "second")
}

func TestLocalPartExtractsBeforeAt(t *testing.T) {
	assert.Equal(t, "bob", localPart("bob@example.test"))
	assert.Equal(t, "bob", localPart("bob"))
}
