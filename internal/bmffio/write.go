package bmffio

import (
	"bytes"
	"io"

	"mediacred/internal/assetio"
	"mediacred/internal/bmff"
	"mediacred/internal/logger"
)

// rewrite 一次完整改写所需的全部状态，只在一次调用内有效
type rewrite struct {
	tree  *bmff.Tree
	src   io.ReaderAt
	loc   *location
	edits editList
	// anchor 新写入记录在输出中的预期偏移，-1 表示本次只删除
	anchor int64
	record []byte
}

// insertionPoint 新记录的规范位置：紧跟在 ftyp（分段为 styp）之后
func insertionPoint(t *bmff.Tree) (int64, error) {
	for i := 0; i < t.Top; i++ {
		b := t.Boxes[i]
		if b.Type == bmff.TypeFtyp || b.Type == bmff.TypeStyp {
			return b.End(), nil
		}
	}
	return 0, malformed("no file type box")
}

// planRecord 规划写入一个新记录：删除 removals 中的顶层盒子，
// 新记录放在 replaceAt（存在时）的位置，否则放在 ftyp 之后
func planRecord(t *bmff.Tree, removals []int, replaceAt int, data []byte) (editList, error) {
	var edits editList
	placed := false

	for _, i := range removals {
		b := t.Boxes[i]
		e := edit{pos: b.Offset, removed: b.Size}
		if i == replaceAt {
			e.insert = data
			placed = true
		}
		edits = append(edits, e)
	}

	if data != nil && !placed {
		pos, err := insertionPoint(t)
		if err != nil {
			return nil, err
		}
		merged := false
		for k := range edits {
			// 与被删除盒子起点重合时合并为一次替换
			if edits[k].pos == pos {
				edits[k].insert = data
				merged = true
				break
			}
		}
		if !merged {
			edits = append(edits, edit{pos: pos, insert: data})
		}
	}

	return edits.sorted(), nil
}

// replaceBox 把顶层盒子 i 整体替换为 data，合并进已规划的编辑。
// 同一位置上已有的插入排在前面
func replaceBox(edits editList, t *bmff.Tree, i int, data []byte) editList {
	b := t.Boxes[i]
	return append(edits, edit{pos: b.Offset, removed: b.Size, insert: data}).sorted()
}

// anchorOf 新记录在输出中的偏移
func anchorOf(edits editList, record []byte) int64 {
	if record == nil {
		return -1
	}
	var d int64
	for _, e := range edits {
		if bytes.Equal(e.insert, record) {
			return e.pos + d
		}
		d += e.delta()
	}
	return -1
}

// emit 把改写后的容器写到 out。偏移表在内存副本上修复，其余盒子按原样流式复制
func (rw *rewrite) emit(out io.ReadWriteSeeker) (int64, error) {
	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	var written int64
	write := func(p []byte) error {
		n, err := out.Write(p)
		written += int64(n)
		return err
	}

	next := 0
	flushEditsAt := func(pos int64) error {
		for next < len(rw.edits) && rw.edits[next].pos == pos {
			if err := write(rw.edits[next].insert); err != nil {
				return err
			}
			next++
		}
		return nil
	}

	removed := make(map[int64]bool, len(rw.edits))
	for _, e := range rw.edits {
		if e.removed > 0 {
			removed[e.pos] = true
		}
	}

	for i := 0; i < rw.tree.Top; i++ {
		b := rw.tree.Boxes[i]
		if err := flushEditsAt(b.Offset); err != nil {
			return written, err
		}
		if removed[b.Offset] {
			continue
		}

		fs, err := collectFixups(rw.tree, rw.src, i)
		if err != nil {
			return written, err
		}
		if !rw.shiftsAny(fs) {
			n, err := rw.tree.WriteBox(out, rw.src, i)
			written += n
			if err != nil {
				return written, err
			}
			continue
		}

		buf, err := bmff.ReadBox(rw.src, &b)
		if err != nil {
			return written, err
		}
		changed, err := applyFixups(buf, b.Offset, fs, rw.edits)
		if err != nil {
			return written, err
		}
		logger.LogDebug("[BMFF] 修复偏移表", "box", b.Type.String(), "fields", changed)
		if err := write(buf); err != nil {
			return written, err
		}
	}
	if err := flushEditsAt(rw.tree.Size); err != nil {
		return written, err
	}
	if next != len(rw.edits) {
		return written, malformed("edit at %d is not on a top-level box boundary", rw.edits[next].pos)
	}

	if t, ok := out.(interface{ Truncate(int64) error }); ok {
		if err := t.Truncate(written); err != nil {
			return written, err
		}
	}
	return written, nil
}

// shiftsAny 是否有偏移字段需要改写
func (rw *rewrite) shiftsAny(fs []fixup) bool {
	for _, f := range fs {
		m, err := rw.edits.mapOffset(f.target)
		if err != nil || m != f.target {
			return true
		}
	}
	return false
}

// verify 重新解析输出：顶层盒子必须恰好覆盖整个输出，所有偏移字段必须落在输出内，
// 新记录必须出现在预期位置
func (rw *rewrite) verify(out io.ReadWriteSeeker, written int64) error {
	want := rw.tree.Size + rw.edits.netDelta()
	if written != want {
		return malformed("output length %d, expected %d", written, want)
	}

	src, size, err := bmff.Source(out)
	if err != nil {
		return err
	}
	if size != written {
		return malformed("output stream holds %d bytes, wrote %d", size, written)
	}

	t, err := bmff.Parse(src, size)
	if err != nil {
		return err
	}
	var covered int64
	for _, b := range t.TopLevel() {
		covered += b.Size
	}
	if covered != size {
		return malformed("top-level boxes cover %d of %d bytes", covered, size)
	}

	for i := 0; i < t.Top; i++ {
		fs, err := collectFixups(t, src, i)
		if err != nil {
			return err
		}
		for _, f := range fs {
			if f.target > size {
				return malformed("%s offset %d beyond output length %d", f.owner, f.target, size)
			}
		}
	}

	if rw.record != nil {
		got := make([]byte, len(rw.record))
		if err := bmff.ReadFullAt(src, got, rw.anchor); err != nil {
			return err
		}
		if !bytes.Equal(got, rw.record) {
			return malformed("record not found at expected offset %d", rw.anchor)
		}
	}
	return nil
}

// run 执行改写并校验。失败时输出流处于未完成状态，由调用方丢弃
func (rw *rewrite) run(op string, out io.ReadWriteSeeker) error {
	rw.anchor = anchorOf(rw.edits, rw.record)
	written, err := rw.emit(out)
	if err != nil {
		return assetio.WrapOp(op, "", err)
	}
	if err := rw.verify(out, written); err != nil {
		return assetio.WrapOp(op, "", err)
	}
	logger.LogDebug("[BMFF] 改写完成", "op", op, "size", written, "delta", rw.edits.netDelta())
	return nil
}
