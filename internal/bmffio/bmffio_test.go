package bmffio

import (
	"bytes"
	"encoding/binary"
	"testing"

	"mediacred/internal/assetio"
	"mediacred/internal/bmff"
	"mediacred/internal/logger"
	"mediacred/internal/models"

	mp4 "github.com/abema/go-mp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkOffsetsOf 用 go-mp4 独立读取 stco，交叉验证偏移修复
func chunkOffsetsOf(t *testing.T, data []byte) []uint32 {
	t.Helper()
	bs, err := mp4.ExtractBoxWithPayload(bytes.NewReader(data), nil, mp4.BoxPath{
		mp4.BoxTypeMoov(), mp4.BoxTypeTrak(), mp4.BoxTypeMdia(),
		mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStco(),
	})
	require.NoError(t, err)
	require.Len(t, bs, 1)
	stco, ok := bs[0].Payload.(*mp4.Stco)
	require.True(t, ok)
	return stco.ChunkOffset
}

// TestWriteStoreShiftsOffsets 测试写入存储后 moov 内的偏移整体后移
func TestWriteStoreShiftsOffsets(t *testing.T) {
	in := progressive(nil, nil)
	types, sizes := topTypes(t, in)
	require.Equal(t, []string{"ftyp", "moov", "mdat"}, types)
	require.Equal(t, []int64{24, 500, 10000}, sizes)

	store := bytes.Repeat([]byte{0x5A}, 200)
	out := writeStore(t, New("mp4"), in, store)

	t.Run("存储盒子紧跟 ftyp", func(t *testing.T) {
		types, sizes := topTypes(t, out)
		assert.Equal(t, []string{"ftyp", "c2pa", "moov", "mdat"}, types)
		assert.Equal(t, []int64{24, 208, 500, 10000}, sizes)
		assert.Equal(t, len(in)+208, len(out))
	})

	t.Run("stco 增加 208", func(t *testing.T) {
		before := chunkOffsetsOf(t, in)
		after := chunkOffsetsOf(t, out)
		require.Len(t, after, len(before))
		for k := range before {
			assert.Equal(t, before[k]+208, after[k])
			assert.Equal(t, in[before[k]:before[k]+16], out[after[k]:after[k]+16])
		}
	})

	t.Run("读取存储", func(t *testing.T) {
		got, err := New("mp4").ReadStoreStream(bytes.NewReader(out))
		require.NoError(t, err)
		assert.Equal(t, store, got)
	})

	t.Run("输入流不被修改", func(t *testing.T) {
		assert.Equal(t, progressive(nil, nil), in)
	})
}

// TestWriteRemoveRoundTrip 测试写入再删除还原原始字节
func TestWriteRemoveRoundTrip(t *testing.T) {
	in := progressive(nil, nil)

	for _, layout := range []models.StoreLayout{models.LayoutPlain, models.LayoutUUID} {
		t.Run(string(layout), func(t *testing.T) {
			b := New("mp4", WithLayout(layout))
			written := writeStore(t, b, in, []byte("manifest store bytes"))
			restored := removeStore(t, b, written)
			assert.Equal(t, in, restored)
		})
	}

	t.Run("没有存储时删除返回 ErrNotFound", func(t *testing.T) {
		err := New("mp4").RemoveStoreStream(bytes.NewReader(in), newMemFile(nil))
		assert.ErrorIs(t, err, assetio.ErrNotFound)
	})
}

// TestWriteStoreReplace 测试替换存储与直接写入结果一致
func TestWriteStoreReplace(t *testing.T) {
	in := progressive(nil, nil)
	b := New("mp4")

	cases := map[string][2]int{
		"变大":   {100, 300},
		"变小":   {300, 50},
		"长度相同": {120, 120},
	}
	for name, n := range cases {
		t.Run(name, func(t *testing.T) {
			a := bytes.Repeat([]byte{'A'}, n[0])
			bb := bytes.Repeat([]byte{'B'}, n[1])

			twice := writeStore(t, b, writeStore(t, b, in, a), bb)
			direct := writeStore(t, b, in, bb)
			assert.Equal(t, direct, twice)

			after := chunkOffsetsOf(t, twice)
			before := chunkOffsetsOf(t, in)
			for k := range before {
				assert.Equal(t, before[k]+uint32(8+n[1]), after[k])
			}
		})
	}

	t.Run("存储不在 ftyp 之后时原位替换", func(t *testing.T) {
		in := progressive(nil, [][]byte{box("c2pa", []byte("old"))})
		out := writeStore(t, b, in, []byte("new store"))
		types, _ := topTypes(t, out)
		assert.Equal(t, []string{"ftyp", "moov", "c2pa", "mdat"}, types)

		before := chunkOffsetsOf(t, in)
		after := chunkOffsetsOf(t, out)
		for k := range before {
			assert.Equal(t, before[k]+6, after[k])
		}
	})
}

// TestReadStore 测试两种布局的读取
func TestReadStore(t *testing.T) {
	b := New("mp4")

	t.Run("没有存储", func(t *testing.T) {
		_, err := b.ReadStoreStream(bytes.NewReader(progressive(nil, nil)))
		assert.ErrorIs(t, err, assetio.ErrNotFound)
	})

	t.Run("uuid 布局", func(t *testing.T) {
		out := writeStore(t, New("mp4", WithLayout(models.LayoutUUID)), progressive(nil, nil), []byte("jumbf"))
		hdr, payload := find(t, out, "uuid")
		assert.True(t, hdr.IsUUID(bmff.C2PAUserType))
		assert.Equal(t, append([]byte("\x00\x00\x00\x00manifest\x00"), make([]byte, 8)...), payload[:4+9+8])

		got, err := b.ReadStoreStream(bytes.NewReader(out))
		require.NoError(t, err)
		assert.Equal(t, []byte("jumbf"), got)

		loc, err := b.Locate(bytes.NewReader(out))
		require.NoError(t, err)
		assert.True(t, loc.Found)
		assert.Equal(t, models.LayoutUUID, loc.Layout)
		assert.Equal(t, int64(24), loc.Offset)
		assert.Equal(t, int64(5), loc.DataLength)
	})

	t.Run("其它用途的 uuid 盒子被忽略", func(t *testing.T) {
		merkle := box("uuid", bmff.C2PAUserType[:], []byte("\x00\x00\x00\x00merkle\x00"), u64(0), []byte("tree"))
		in := progressive([][]byte{merkle}, nil)
		_, err := b.ReadStoreStream(bytes.NewReader(in))
		assert.ErrorIs(t, err, assetio.ErrNotFound)
	})

	t.Run("结构错误", func(t *testing.T) {
		in := progressive(nil, nil)
		_, err := b.ReadStoreStream(bytes.NewReader(in[:len(in)-10]))
		assert.ErrorIs(t, err, assetio.ErrMalformedContainer)
	})
}

// TestPatchStore 测试原地修补
func TestPatchStore(t *testing.T) {
	b := New("mp4")
	in := writeStore(t, b, progressive(nil, nil), bytes.Repeat([]byte{'A'}, 64))

	t.Run("较长时拒绝且不修改", func(t *testing.T) {
		f := newMemFile(in)
		err := b.PatchStoreStream(f, bytes.Repeat([]byte{'B'}, 65))
		assert.ErrorIs(t, err, assetio.ErrPatchSizeMismatch)
		assert.Equal(t, in, f.Bytes())
	})

	t.Run("较短时补零", func(t *testing.T) {
		f := newMemFile(in)
		require.NoError(t, b.PatchStoreStream(f, []byte("short")))
		assert.Len(t, f.Bytes(), len(in))

		got, err := b.ReadStoreStream(bytes.NewReader(f.Bytes()))
		require.NoError(t, err)
		assert.Equal(t, append([]byte("short"), make([]byte, 59)...), got)
		assert.Equal(t, chunkOffsetsOf(t, in), chunkOffsetsOf(t, f.Bytes()))
	})

	t.Run("长度相同只改存储字节", func(t *testing.T) {
		f := newMemFile(in)
		store := bytes.Repeat([]byte{'C'}, 64)
		require.NoError(t, b.PatchStoreStream(f, store))

		ranges, err := b.HashRangesStream(bytes.NewReader(in))
		require.NoError(t, err)
		for _, r := range ranges {
			seg := f.Bytes()[r.Offset:r.End()]
			if r.Role == models.RoleIncluded {
				assert.Equal(t, in[r.Offset:r.End()], seg)
			}
		}
	})

	t.Run("没有存储", func(t *testing.T) {
		err := b.PatchStoreStream(newMemFile(progressive(nil, nil)), []byte("x"))
		assert.ErrorIs(t, err, assetio.ErrNotFound)
	})
}

// TestHashRanges 测试区间覆盖整个资产
func TestHashRanges(t *testing.T) {
	b := New("mp4")

	t.Run("没有存储时整体包含", func(t *testing.T) {
		in := progressive(nil, nil)
		ranges, err := b.HashRangesStream(bytes.NewReader(in))
		require.NoError(t, err)
		assert.Equal(t, []models.HashObjectPosition{
			{Offset: 0, Length: int64(len(in)), Role: models.RoleIncluded},
		}, ranges)
	})

	t.Run("存储区域被排除", func(t *testing.T) {
		out := writeStore(t, b, progressive(nil, nil), make([]byte, 200))
		ranges, err := b.HashRangesStream(bytes.NewReader(out))
		require.NoError(t, err)
		assert.Equal(t, []models.HashObjectPosition{
			{Offset: 0, Length: 24, Role: models.RoleIncluded},
			{Offset: 24, Length: 208, Role: models.RoleExcluded},
			{Offset: 232, Length: 10500, Role: models.RoleIncluded},
		}, ranges)
		assert.Equal(t, int64(len(out)), models.TotalLength(ranges))
	})

	t.Run("区间首尾相接", func(t *testing.T) {
		in := progressive([][]byte{box("free", make([]byte, 4))}, [][]byte{box("c2ur", []byte("https://x"))})
		ranges, err := b.HashRangesStream(bytes.NewReader(in))
		require.NoError(t, err)
		var next int64
		for _, r := range ranges {
			assert.Equal(t, next, r.Offset)
			next = r.End()
		}
		assert.Equal(t, int64(len(in)), next)
	})
}

// TestDuplicateStores 测试重复存储的处理
func TestDuplicateStores(t *testing.T) {
	in := progressive([][]byte{box("c2pa", []byte("first")), box("c2pa", []byte("second"))}, nil)

	t.Run("默认使用第一个并告警", func(t *testing.T) {
		var buf bytes.Buffer
		logger.SetOutput(&buf)
		defer logger.Setup(logger.Options{})

		b := New("mp4")
		got, err := b.ReadStoreStream(bytes.NewReader(in))
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), got)
		assert.Contains(t, buf.String(), "重复")

		loc, err := b.Locate(bytes.NewReader(in))
		require.NoError(t, err)
		assert.Equal(t, 1, loc.Duplicates)

		ranges, err := b.HashRangesStream(bytes.NewReader(in))
		require.NoError(t, err)
		var excluded int
		for _, r := range ranges {
			if r.Role == models.RoleExcluded {
				excluded++
			}
		}
		assert.Equal(t, 2, excluded)
	})

	t.Run("写入时清除所有重复", func(t *testing.T) {
		out := writeStore(t, New("mp4"), in, []byte("third"))
		types, _ := topTypes(t, out)
		assert.Equal(t, []string{"ftyp", "c2pa", "moov", "mdat"}, types)
	})

	t.Run("严格模式视为结构错误", func(t *testing.T) {
		_, err := New("mp4", WithStrictDuplicates(true)).ReadStoreStream(bytes.NewReader(in))
		assert.ErrorIs(t, err, assetio.ErrMalformedContainer)
	})
}

// TestOffsetRepair 测试各种偏移表的修复
func TestOffsetRepair(t *testing.T) {
	b := New("mp4")

	t.Run("co64 与 saio", func(t *testing.T) {
		in := movie(func(base int64) [][]byte {
			return [][]byte{
				fullBox("co64", 0, 0, u32(1), u64(uint64(base+16))),
				fullBox("saio", 1, 0, u32(1), u64(uint64(base+32))),
			}
		}, nil, nil)
		_, co64 := find(t, in, "moov/trak/mdia/minf/stbl/co64")
		base := binary.BigEndian.Uint64(co64[8:16]) - 16

		out := writeStore(t, b, in, make([]byte, 92))
		_, co64 = find(t, out, "moov/trak/mdia/minf/stbl/co64")
		_, saio := find(t, out, "moov/trak/mdia/minf/stbl/saio")
		assert.Equal(t, base+16+100, binary.BigEndian.Uint64(co64[8:16]))
		assert.Equal(t, base+32+100, binary.BigEndian.Uint64(saio[8:16]))
	})

	t.Run("分段 tfhd 与 tfra", func(t *testing.T) {
		in := fragmented()
		moof, _ := find(t, in, "moof")

		out := writeStore(t, b, in, make([]byte, 100))
		_, tfhd := find(t, out, "moof/traf/tfhd")
		_, tfra := find(t, out, "mfra/tfra")
		newMoof, _ := find(t, out, "moof")

		assert.Equal(t, moof.Offset+108, newMoof.Offset)
		assert.Equal(t, uint64(newMoof.Offset), binary.BigEndian.Uint64(tfhd[8:16]))
		// version/flags(4) track_ID(4) sizes(4) count(4) time(8) moof_offset(8)
		assert.Equal(t, uint64(newMoof.Offset), binary.BigEndian.Uint64(tfra[24:32]))
	})

	t.Run("iloc extent 偏移", func(t *testing.T) {
		in := heif(false)
		mdat, _ := find(t, in, "mdat")

		out := writeStore(t, b, in, make([]byte, 42))
		_, iloc := find(t, out, "meta/iloc")
		newMdat, _ := find(t, out, "mdat")
		assert.Equal(t, mdat.Offset+50, newMdat.Offset)

		// 第一个条目 construction_method 0：extent_offset 后移
		assert.Equal(t, uint32(newMdat.PayloadOffset()), binary.BigEndian.Uint32(iloc[16:20]))
		// 第二个条目 construction_method 1 (idat)：保持不变
		assert.Equal(t, uint32(0), binary.BigEndian.Uint32(iloc[32:36]))
	})

	t.Run("iloc base_offset", func(t *testing.T) {
		in := heif(true)
		out := writeStore(t, b, in, make([]byte, 42))
		_, iloc := find(t, out, "meta/iloc")
		newMdat, _ := find(t, out, "mdat")
		assert.Equal(t, uint32(newMdat.PayloadOffset()), binary.BigEndian.Uint32(iloc[14:18]))
		assert.Equal(t, uint32(0), binary.BigEndian.Uint32(iloc[20:24]))
	})

	t.Run("32 位偏移溢出", func(t *testing.T) {
		in := movie(func(int64) [][]byte {
			return [][]byte{fullBox("stco", 0, 0, u32(1), u32(0xFFFFFFF0))}
		}, nil, nil)
		err := b.WriteStoreStream(bytes.NewReader(in), newMemFile(nil), make([]byte, 100))
		assert.ErrorIs(t, err, assetio.ErrMalformedContainer)
	})

	t.Run("偏移指向被删除的存储", func(t *testing.T) {
		in := movie(func(int64) [][]byte {
			return [][]byte{fullBox("stco", 0, 0, u32(1), u32(30))}
		}, [][]byte{box("c2pa", make([]byte, 40))}, nil)
		err := b.RemoveStoreStream(bytes.NewReader(in), newMemFile(nil))
		assert.ErrorIs(t, err, assetio.ErrMalformedContainer)
	})

	t.Run("mdat 延伸到流末尾", func(t *testing.T) {
		in := progressive(nil, nil)
		mdat, _ := find(t, in, "mdat")
		binary.BigEndian.PutUint32(in[mdat.Offset:], 0)

		out := writeStore(t, b, in, []byte("store"))
		newMdat, _ := find(t, out, "mdat")
		assert.True(t, newMdat.ToEOF)
		assert.Equal(t, int64(len(out)), newMdat.End())
		assert.Equal(t, in, removeStore(t, b, out))
	})

	t.Run("没有 ftyp", func(t *testing.T) {
		in := progressive(nil, nil)[24:]
		err := b.WriteStoreStream(bytes.NewReader(in), newMemFile(nil), []byte("x"))
		assert.ErrorIs(t, err, assetio.ErrMalformedContainer)
	})
}

// fragmented ftyp + moov(mvex) + moof + mdat + mfra，tfhd 与 tfra 指向 moof
func fragmented() []byte {
	moov := box("moov", box("mvex", fullBox("trex", 0, 0, make([]byte, 20))))
	moofOffset := uint64(len(ftyp()) + len(moov))

	moof := box("moof",
		fullBox("mfhd", 0, 0, u32(1)),
		box("traf",
			fullBox("tfhd", 0, 0x000001, u32(1), u64(moofOffset)),
			fullBox("trun", 0, 0x000001, u32(0), u32(88)),
		),
	)
	mdat := box("mdat", mdatPayload(64))
	mfra := box("mfra",
		fullBox("tfra", 1, 0, u32(1), u32(0), u32(1), u64(0), u64(moofOffset), []byte{1, 1, 1}),
		fullBox("mfro", 0, 0, u32(67)),
	)
	return join(ftyp(), moov, moof, mdat, mfra)
}

// heif ftyp + meta(hdlr, iloc) + mdat。iloc v1，第一个条目指向 mdat，第二个来自 idat
func heif(withBase bool) []byte {
	ft := box("ftyp", []byte("heic"), u32(0), []byte("mif1heic"))
	hdlr := fullBox("hdlr", 0, 0, u32(0), []byte("pict"), make([]byte, 12), []byte{0})

	build := func(target uint32) []byte {
		var sizes, first []byte
		if withBase {
			sizes = []byte{0x44, 0x40}
			first = join(u16(1), u16(0), u16(0), u32(target), u16(1), u32(0), u32(100))
		} else {
			sizes = []byte{0x44, 0x00}
			first = join(u16(1), u16(0), u16(0), u16(1), u32(target), u32(100))
		}
		second := join(u16(2), u16(1), u16(0), u16(1), u32(0), u32(8))
		if withBase {
			second = join(u16(2), u16(1), u16(0), u32(0), u16(1), u32(0), u32(8))
		}
		iloc := fullBox("iloc", 1, 0, sizes, u16(2), first, second)
		return box("meta", []byte{0, 0, 0, 0}, hdlr, iloc)
	}

	meta := build(0)
	target := uint32(len(ft) + len(meta) + 8)
	return join(ft, build(target), box("mdat", mdatPayload(256)))
}
