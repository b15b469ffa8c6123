package bmffio

import (
	"encoding/binary"
	"io"
	"math"
	"sort"

	"mediacred/internal/bmff"
)

// ============================================================================
// 编辑与偏移映射
// ============================================================================

// edit 顶层盒子边界上的一次修改：删除 [pos, pos+removed)，并在 pos 处插入 insert
type edit struct {
	pos     int64
	removed int64
	insert  []byte
}

func (e edit) delta() int64 {
	return int64(len(e.insert)) - e.removed
}

// editList 按位置排序、互不重叠的编辑
type editList []edit

func (l editList) sorted() editList {
	out := append(editList(nil), l...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].pos < out[j].pos })
	return out
}

// netDelta 总长度变化
func (l editList) netDelta() int64 {
	var d int64
	for _, e := range l {
		d += e.delta()
	}
	return d
}

// mapOffset 原始偏移在输出中的位置。指向被删除区域的偏移无法映射
func (l editList) mapOffset(o int64) (int64, error) {
	var d int64
	for _, e := range l {
		end := e.pos + e.removed
		if e.removed > 0 && o >= e.pos && o < end {
			return 0, malformed("offset %d points into removed region [%d,%d)", o, e.pos, end)
		}
		if o >= end {
			d += e.delta()
		}
	}
	return o + d, nil
}

// ============================================================================
// 偏移表
// ============================================================================

// fixup 盒子负载中一个存放绝对偏移的字段
type fixup struct {
	pos    int64 // 字段的绝对位置
	width  int   // 4 或 8
	value  uint64
	target int64 // 用于映射的绝对目标位置（iloc base_offset 需加上首个 extent 偏移）
	owner  bmff.BoxType
}

// offsetTableParents 可能含有偏移表的顶层盒子
var offsetTableParents = map[bmff.BoxType]bool{
	bmff.TypeMoov: true,
	bmff.TypeMoof: true,
	bmff.TypeMfra: true,
	bmff.TypeMeta: true,
}

// collectFixups 每次都从当前树重新计算顶层盒子 top 下的全部偏移字段，不做缓存
func collectFixups(t *bmff.Tree, src io.ReaderAt, top int) ([]fixup, error) {
	if !offsetTableParents[t.Boxes[top].Type] {
		return nil, nil
	}

	var out []fixup
	err := t.Descendants(top, func(i int) error {
		b := t.Boxes[i]
		parent := t.Boxes[b.Parent].Type

		var (
			fs  []fixup
			err error
		)
		switch {
		case b.Type == bmff.TypeStco && parent == bmff.TypeStbl:
			fs, err = chunkOffsets(src, &b, 4)
		case b.Type == bmff.TypeCo64 && parent == bmff.TypeStbl:
			fs, err = chunkOffsets(src, &b, 8)
		case b.Type == bmff.TypeSaio && parent == bmff.TypeStbl:
			// traf 下的 saio 相对 moof，不受影响
			fs, err = saioOffsets(src, &b)
		case b.Type == bmff.TypeTfhd && parent == bmff.TypeTraf:
			fs, err = tfhdOffset(src, &b)
		case b.Type == bmff.TypeTfra && parent == bmff.TypeMfra:
			fs, err = tfraOffsets(src, &b)
		case b.Type == bmff.TypeIloc && parent == bmff.TypeMeta:
			fs, err = ilocOffsets(src, &b)
		default:
			return nil
		}
		if err != nil {
			return err
		}
		out = append(out, fs...)
		return nil
	})
	return out, err
}

// fullBoxPayload 读取 full box 负载，返回 version、flags 以及 version/flags 之后的字节
func fullBoxPayload(src io.ReaderAt, b *bmff.Box) (byte, uint32, []byte, error) {
	p, err := bmff.ReadPayload(src, b)
	if err != nil {
		return 0, 0, nil, err
	}
	if len(p) < 4 {
		return 0, 0, nil, malformed("%s at %d: missing version/flags", b.Type, b.Offset)
	}
	flags := uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3])
	return p[0], flags, p[4:], nil
}

// fieldReader 顺序读取定长字段并记录其绝对位置
type fieldReader struct {
	b    *bmff.Box
	data []byte
	base int64 // data[0] 的绝对位置
	off  int
	err  error
}

func (r *fieldReader) uint(width int) (uint64, int64) {
	if r.err != nil {
		return 0, 0
	}
	if width == 0 {
		return 0, r.base + int64(r.off)
	}
	if r.off+width > len(r.data) {
		r.err = malformed("%s at %d truncated", r.b.Type, r.b.Offset)
		return 0, 0
	}
	pos := r.base + int64(r.off)
	var v uint64
	switch width {
	case 1:
		v = uint64(r.data[r.off])
	case 2:
		v = uint64(binary.BigEndian.Uint16(r.data[r.off:]))
	case 4:
		v = uint64(binary.BigEndian.Uint32(r.data[r.off:]))
	case 8:
		v = binary.BigEndian.Uint64(r.data[r.off:])
	default:
		r.err = malformed("%s at %d: unsupported field width %d", r.b.Type, r.b.Offset, width)
		return 0, 0
	}
	r.off += width
	return v, pos
}

func (r *fieldReader) skip(n int) {
	if r.err == nil && r.off+n > len(r.data) {
		r.err = malformed("%s at %d truncated", r.b.Type, r.b.Offset)
		return
	}
	r.off += n
}

func newFieldReader(b *bmff.Box, rest []byte) *fieldReader {
	return &fieldReader{b: b, data: rest, base: b.PayloadOffset() + 4}
}

// chunkOffsets stco / co64
func chunkOffsets(src io.ReaderAt, b *bmff.Box, width int) ([]fixup, error) {
	_, _, rest, err := fullBoxPayload(src, b)
	if err != nil {
		return nil, err
	}
	r := newFieldReader(b, rest)
	count, _ := r.uint(4)
	if r.err == nil && count > uint64(len(rest)-4)/uint64(width) {
		return nil, malformed("%s at %d: entry count %d exceeds box", b.Type, b.Offset, count)
	}

	fs := make([]fixup, 0, count)
	for k := uint64(0); k < count && r.err == nil; k++ {
		v, pos := r.uint(width)
		fs = append(fs, fixup{pos: pos, width: width, value: v, target: int64(v), owner: b.Type})
	}
	return fs, r.err
}

// saioOffsets moov 中的 saio 偏移为绝对偏移
func saioOffsets(src io.ReaderAt, b *bmff.Box) ([]fixup, error) {
	version, flags, rest, err := fullBoxPayload(src, b)
	if err != nil {
		return nil, err
	}
	r := newFieldReader(b, rest)
	if flags&1 != 0 {
		r.skip(8) // aux_info_type + aux_info_type_parameter
	}
	count, _ := r.uint(4)
	width := 4
	if version != 0 {
		width = 8
	}

	var fs []fixup
	for k := uint64(0); k < count && r.err == nil; k++ {
		v, pos := r.uint(width)
		fs = append(fs, fixup{pos: pos, width: width, value: v, target: int64(v), owner: b.Type})
	}
	return fs, r.err
}

// tfhdOffset base-data-offset-present 时的 base_data_offset
func tfhdOffset(src io.ReaderAt, b *bmff.Box) ([]fixup, error) {
	_, flags, rest, err := fullBoxPayload(src, b)
	if err != nil {
		return nil, err
	}
	if flags&0x000001 == 0 {
		return nil, nil
	}
	r := newFieldReader(b, rest)
	r.skip(4) // track_ID
	v, pos := r.uint(8)
	if r.err != nil {
		return nil, r.err
	}
	return []fixup{{pos: pos, width: 8, value: v, target: int64(v), owner: b.Type}}, nil
}

// tfraOffsets mfra 中每个条目的 moof_offset
func tfraOffsets(src io.ReaderAt, b *bmff.Box) ([]fixup, error) {
	version, _, rest, err := fullBoxPayload(src, b)
	if err != nil {
		return nil, err
	}
	r := newFieldReader(b, rest)
	r.skip(4) // track_ID
	sizes, _ := r.uint(4)
	trafLen := int(sizes>>4&0x3) + 1
	trunLen := int(sizes>>2&0x3) + 1
	sampleLen := int(sizes&0x3) + 1
	count, _ := r.uint(4)

	width := 4
	if version == 1 {
		width = 8
	}

	var fs []fixup
	for k := uint64(0); k < count && r.err == nil; k++ {
		r.skip(width) // time
		v, pos := r.uint(width)
		r.skip(trafLen + trunLen + sampleLen)
		if r.err == nil {
			fs = append(fs, fixup{pos: pos, width: width, value: v, target: int64(v), owner: b.Type})
		}
	}
	return fs, r.err
}

// ilocOffsets construction_method 0 且 data_reference_index 0 的条目指向本文件
func ilocOffsets(src io.ReaderAt, b *bmff.Box) ([]fixup, error) {
	version, _, rest, err := fullBoxPayload(src, b)
	if err != nil {
		return nil, err
	}
	if version > 2 {
		return nil, malformed("iloc at %d: unsupported version %d", b.Offset, version)
	}
	r := newFieldReader(b, rest)
	s1, _ := r.uint(1)
	s2, _ := r.uint(1)
	offsetSize := int(s1 >> 4)
	lengthSize := int(s1 & 0xF)
	baseSize := int(s2 >> 4)
	indexSize := 0
	if version == 1 || version == 2 {
		indexSize = int(s2 & 0xF)
	}

	idWidth := 2
	if version == 2 {
		idWidth = 4
	}
	count, _ := r.uint(idWidth)

	var fs []fixup
	for k := uint64(0); k < count && r.err == nil; k++ {
		r.skip(idWidth) // item_ID
		method := uint64(0)
		if version == 1 || version == 2 {
			m, _ := r.uint(2)
			method = m & 0xF
		}
		dref, _ := r.uint(2)
		base, basePos := r.uint(baseSize)
		extents, _ := r.uint(2)

		local := method == 0 && dref == 0
		var extentFixups []fixup
		firstExtent := int64(-1)
		for e := uint64(0); e < extents && r.err == nil; e++ {
			r.skip(indexSize)
			v, pos := r.uint(offsetSize)
			r.skip(lengthSize)
			if firstExtent < 0 {
				firstExtent = int64(v)
			}
			if local && baseSize == 0 && offsetSize > 0 {
				extentFixups = append(extentFixups, fixup{
					pos: pos, width: offsetSize, value: v, target: int64(v), owner: b.Type,
				})
			}
		}
		if !local || r.err != nil {
			continue
		}
		if baseSize > 0 {
			if firstExtent < 0 {
				firstExtent = 0
			}
			fs = append(fs, fixup{
				pos: basePos, width: baseSize, value: base,
				target: int64(base) + firstExtent, owner: b.Type,
			})
			continue
		}
		fs = append(fs, extentFixups...)
	}
	return fs, r.err
}

// applyFixups 在顶层盒子的内存副本上改写偏移字段。buf 对应 [boxOffset, boxOffset+len(buf))
func applyFixups(buf []byte, boxOffset int64, fs []fixup, edits editList) (int, error) {
	changed := 0
	for _, f := range fs {
		mapped, err := edits.mapOffset(f.target)
		if err != nil {
			return changed, err
		}
		d := mapped - f.target
		if d == 0 {
			continue
		}
		nv := int64(f.value) + d
		if nv < 0 {
			return changed, malformed("%s offset %d becomes negative", f.owner, f.value)
		}
		at := f.pos - boxOffset
		switch f.width {
		case 4:
			if nv > math.MaxUint32 {
				return changed, malformed("%s offset %d overflows 32 bits after shift of %d", f.owner, f.value, d)
			}
			binary.BigEndian.PutUint32(buf[at:], uint32(nv))
		case 8:
			binary.BigEndian.PutUint64(buf[at:], uint64(nv))
		default:
			return changed, malformed("%s offset field width %d cannot be shifted", f.owner, f.width)
		}
		changed++
	}
	return changed, nil
}
