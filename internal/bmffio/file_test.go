package bmffio

import (
	"os"
	"path/filepath"
	"testing"

	"mediacred/internal/assetio"
	"mediacred/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAsset(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, data, 0o640))
	return path
}

// assertNoTemp 目录中不应残留临时文件
func assertNoTemp(t *testing.T, path string) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(path), entries[0].Name())
}

// TestFileOperations 测试路径变体的完整流程
func TestFileOperations(t *testing.T) {
	for _, useMmap := range []bool{true, false} {
		name := "普通读取"
		if useMmap {
			name = "mmap"
		}
		t.Run(name, func(t *testing.T) {
			b := New("mp4", WithMmap(useMmap))
			orig := progressive(nil, nil)
			path := writeAsset(t, orig)

			_, err := b.ReadStore(path)
			assert.ErrorIs(t, err, assetio.ErrNotFound)

			store := make([]byte, 300)
			copy(store, "manifest")
			require.NoError(t, b.WriteStore(path, store))
			assertNoTemp(t, path)

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
			assert.Equal(t, int64(len(orig)+308), info.Size())

			got, err := b.ReadStore(path)
			require.NoError(t, err)
			assert.Equal(t, store, got)

			ranges, err := b.HashRanges(path)
			require.NoError(t, err)
			assert.Equal(t, info.Size(), models.TotalLength(ranges))

			require.NoError(t, b.PatchStore(path, []byte("patched")))
			got, err = b.ReadStore(path)
			require.NoError(t, err)
			assert.Equal(t, []byte("patched"), got[:7])
			assert.Len(t, got, 300)

			require.NoError(t, b.EmbedRemoteReference(path, models.RemoteRef{URI: "https://r/1"}))
			ref, err := b.ReadRemoteReference(path)
			require.NoError(t, err)
			assert.Equal(t, "https://r/1", ref.URI)

			require.NoError(t, b.WriteStore(path, store))
			require.NoError(t, b.RemoveStore(path))
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, orig, data)
			assertNoTemp(t, path)
		})
	}
}

// TestFileFailureKeepsOriginal 测试失败时原文件不变且不残留临时文件
func TestFileFailureKeepsOriginal(t *testing.T) {
	b := New("mp4")
	orig := progressive(nil, nil)[24:] // 没有 ftyp
	path := writeAsset(t, orig)

	err := b.WriteStore(path, []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, assetio.ErrMalformedContainer)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, orig, data)
	assertNoTemp(t, path)
}

// TestFileErrors 测试 I/O 错误带操作名与路径
func TestFileErrors(t *testing.T) {
	b := New("mp4")
	missing := filepath.Join(t.TempDir(), "missing.mp4")

	_, err := b.ReadStore(missing)
	require.Error(t, err)
	var oe *assetio.OpError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "read store", oe.Op)
	assert.Equal(t, missing, oe.Path)
	assert.True(t, os.IsNotExist(oe.Err))

	err = b.WriteStore(missing, []byte("x"))
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "write store", oe.Op)

	err = b.PatchStore(missing, []byte("x"))
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "patch store", oe.Op)
}

func TestSupports(t *testing.T) {
	assert.True(t, Supports("MP4"))
	assert.True(t, Supports(".heic"))
	assert.True(t, Supports("video/mp4"))
	assert.False(t, Supports("png"))
	assert.Contains(t, New("mp4").SupportedTypes(), "m4s")

	var h assetio.AssetIO = New("mp4")
	assert.NotNil(t, h.AssetPatcher())
	assert.NotNil(t, h.RemoteEmbedder())
}
