package bmffio

import (
	"io"

	"mediacred/internal/bmff"
	"mediacred/internal/logger"
	"mediacred/internal/models"
)

// location 一次扫描得到的存储/引用位置，只对当前这棵树有效
type location struct {
	records    []record // 所有记录盒子，按出现顺序
	store      *record  // 第一个 manifest 记录
	remote     *record  // 第一个 remote 记录
	xmp        int      // 第一个 XMP 盒子的顶层下标，-1 表示没有
	xmpRef     string   // XMP 中的 dcterms:provenance
	xmpPacket  []byte   // 第一个 XMP 盒子的负载
	duplicates int      // 第一个之后多余的 manifest 记录数
}

// StoreLocation 对外暴露的定位结果
type StoreLocation struct {
	Found      bool
	Offset     int64 // 存储盒子的绝对偏移
	Length     int64 // 存储盒子的总长度（含头）
	DataOffset int64 // 存储字节起始
	DataLength int64
	Layout     models.StoreLayout
	Duplicates int
}

// locate 扫描顶层盒子。重复的存储按第一个为准，其余记为警告；
// strict 模式下重复视为结构错误
func locate(t *bmff.Tree, src io.ReaderAt, strict bool) (*location, error) {
	loc := &location{xmp: -1}

	for i := 0; i < t.Top; i++ {
		b := t.Boxes[i]

		if b.IsUUID(bmff.XMPUserType) {
			if loc.xmp < 0 {
				loc.xmp = i
				packet, err := bmff.ReadPayload(src, &b)
				if err != nil {
					return nil, err
				}
				loc.xmpPacket = packet
				loc.xmpRef = xmpProvenance(packet)
			}
			continue
		}

		rec, ok, err := decodeRecord(src, b)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rec.index = i
		loc.records = append(loc.records, rec)
	}

	for k := range loc.records {
		rec := &loc.records[k]
		switch {
		case rec.isManifest() && loc.store == nil:
			loc.store = rec
		case rec.isManifest():
			loc.duplicates++
		case loc.remote == nil:
			loc.remote = rec
		}
	}

	if loc.duplicates > 0 {
		if strict {
			return nil, malformed("%d duplicate content credential stores", loc.duplicates+1)
		}
		logger.LogWarn("[BMFF] 发现重复的存储盒子，使用第一个",
			"count", loc.duplicates+1, "offset", loc.store.box.Offset)
	}

	return loc, nil
}

// excluded 记录盒子是否需要从哈希中排除
func (l *location) excluded(i int) bool {
	for k := range l.records {
		if l.records[k].index == i {
			return true
		}
	}
	return false
}

func (l *location) storeLocation() StoreLocation {
	if l.store == nil {
		return StoreLocation{Duplicates: l.duplicates}
	}
	return StoreLocation{
		Found:      true,
		Offset:     l.store.box.Offset,
		Length:     l.store.box.Size,
		DataOffset: l.store.dataOffset,
		DataLength: l.store.dataLen,
		Layout:     l.store.layout,
		Duplicates: l.duplicates,
	}
}
