package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"mediacred/internal/assetio"
	"mediacred/internal/bmffio"
	"mediacred/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func mk(typ string, payload ...[]byte) []byte {
	body := bytes.Join(payload, nil)
	out := binary.BigEndian.AppendUint32(nil, uint32(8+len(body)))
	return append(append(out, typ...), body...)
}

func asset(store []byte) []byte {
	parts := [][]byte{mk("ftyp", []byte("isom"), make([]byte, 4))}
	if store != nil {
		parts = append(parts, mk("c2pa", store))
	}
	parts = append(parts, mk("free", make([]byte, 8)), mk("mdat", bytes.Repeat([]byte{9}, 100)))
	return bytes.Join(parts, nil)
}

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, SHA256, a)

	a, err = ParseAlgorithm("BLAKE3")
	require.NoError(t, err)
	assert.Equal(t, BLAKE3, a)

	_, err = ParseAlgorithm("md5")
	assert.Error(t, err)
}

func TestCompute(t *testing.T) {
	data := []byte("0123456789abcdef")
	positions := []models.HashObjectPosition{
		{Offset: 0, Length: 4, Role: models.RoleIncluded},
		{Offset: 4, Length: 6, Role: models.RoleExcluded},
		{Offset: 10, Length: 6, Role: models.RoleIncluded},
	}

	t.Run("sha256 跳过排除区间", func(t *testing.T) {
		res, err := Compute(bytes.NewReader(data), positions, SHA256)
		require.NoError(t, err)
		want := sha256.Sum256([]byte("0123abcdef"))
		assert.Equal(t, want[:], res.Sum)
		assert.Equal(t, hex.EncodeToString(want[:]), res.Hex)
		assert.Equal(t, int64(10), res.Hashed)
	})

	t.Run("blake3", func(t *testing.T) {
		res, err := Compute(bytes.NewReader(data), positions, BLAKE3)
		require.NoError(t, err)
		want := blake3.Sum256([]byte("0123abcdef"))
		assert.Equal(t, want[:], res.Sum)
	})

	t.Run("区间越界", func(t *testing.T) {
		_, err := Compute(bytes.NewReader(data[:12]), positions, SHA256)
		assert.ErrorIs(t, err, assetio.ErrMalformedContainer)
	})
}

// TestDigestStability 测试修补存储后摘要不变
func TestDigestStability(t *testing.T) {
	engine := bmffio.New("mp4")

	t.Run("同长度修补", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "a.mp4")
		require.NoError(t, os.WriteFile(path, asset(bytes.Repeat([]byte{'A'}, 32)), 0o644))

		before, err := File(path, engine, SHA256)
		require.NoError(t, err)
		require.NoError(t, engine.PatchStore(path, bytes.Repeat([]byte{'B'}, 32)))
		after, err := File(path, engine, SHA256)
		require.NoError(t, err)
		assert.Equal(t, before.Hex, after.Hex)
	})

	t.Run("有无存储摘要一致", func(t *testing.T) {
		plain, err := Stream(bytes.NewReader(asset(nil)), engine, BLAKE3)
		require.NoError(t, err)
		with, err := Stream(bytes.NewReader(asset([]byte("manifest"))), engine, BLAKE3)
		require.NoError(t, err)
		assert.Equal(t, plain.Hex, with.Hex)
	})

	t.Run("文件不存在", func(t *testing.T) {
		_, err := File(filepath.Join(t.TempDir(), "none.mp4"), engine, SHA256)
		var oe *assetio.OpError
		require.ErrorAs(t, err, &oe)
		assert.Equal(t, "digest", oe.Op)
	})
}
