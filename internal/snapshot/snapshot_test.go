package snapshot

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	in := &Snapshot{
		SessionID:    "s1",
		SourceRegion: "us-east",
		TargetRegion: "eu-west",
		CapturedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Data:         bytes.Repeat([]byte("cookie=1;"), 4096),
	}

	frame, err := Encode(in)
	require.NoError(t, err)
	assert.Less(t, len(frame), len(in.Data), "body is compressed")

	out, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, in.SessionID, out.SessionID)
	assert.Equal(t, in.TargetRegion, out.TargetRegion)
	assert.True(t, in.CapturedAt.Equal(out.CapturedAt))
	assert.Equal(t, in.Data, out.Data)
	assert.Equal(t, len(in.Data), out.Size)
}

func TestDecodeRejectsCorruptFrames(t *testing.T) {
	frame, err := Encode(&Snapshot{SessionID: "s1", Data: []byte("hello")})
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":     nil,
		"bad magic": append([]byte("XXXX"), frame[4:]...),
		"truncated": frame[:10],
		"huge header": func() []byte {
			b := append([]byte{}, frame...)
			b[4], b[5], b[6], b[7] = 0xff, 0xff, 0xff, 0xff
			return b
		}(),
	}
	for name, data := range cases {
		_, err := Decode(data)
		assert.ErrorIs(t, err, ErrCorrupted, name)
	}
}

func TestKeyLayout(t *testing.T) {
	k := Key("eu-west", "s1")
	assert.True(t, strings.HasPrefix(k, "snapshots/eu-west/s1/"))
	assert.True(t, strings.HasSuffix(k, ".snap"))
	assert.NotEqual(t, k, Key("eu-west", "s1"))
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := Key("eu-west", "s1")
	require.NoError(t, store.Put(ctx, key, []byte("payload")))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	require.NoError(t, store.Delete(ctx, key))
	require.NoError(t, store.Delete(ctx, key))

	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, store.Put(ctx, "../escape", []byte("x")))
	assert.Error(t, store.Put(ctx, "/abs", []byte("x")))
}

func TestArchiveRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "Default", "Local Storage"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "Default", "Cookies"), []byte("cookie-db"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "Default", "Local Storage", "leveldb"), []byte("ls"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "Local State"), []byte("{}"), 0o644))

	data, err := ArchiveDir(src)
	require.NoError(t, err)

	dst := t.TempDir()
	require.NoError(t, ExtractArchive(data, dst))

	got, err := os.ReadFile(filepath.Join(dst, "Default", "Cookies"))
	require.NoError(t, err)
	assert.Equal(t, "cookie-db", string(got))

	got, err = os.ReadFile(filepath.Join(dst, "Default", "Local Storage", "leveldb"))
	require.NoError(t, err)
	assert.Equal(t, "ls", string(got))

	_, err = os.Stat(filepath.Join(dst, "Local State"))
	assert.NoError(t, err)
}

func TestExtractArchiveRejectsOversizedFiles(t *testing.T) {
	prev := maxArchiveFile
	maxArchiveFile = 8
	t.Cleanup(func() { maxArchiveFile = prev })

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "small"), []byte("ok"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "History"), []byte("more than eight bytes"), 0o644))

	data, err := ArchiveDir(src)
	require.NoError(t, err)

	err = ExtractArchive(data, t.TempDir())
	assert.ErrorIs(t, err, ErrCorrupted)
	assert.Contains(t, err.Error(), "History")
}
