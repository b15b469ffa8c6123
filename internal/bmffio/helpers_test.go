package bmffio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"mediacred/internal/bmff"
	"mediacred/internal/models"

	"github.com/stretchr/testify/require"
)

// memFile 内存中的读写流，支持 ReadAt 与 Truncate
type memFile struct {
	data []byte
	pos  int64
}

func newMemFile(b []byte) *memFile {
	return &memFile{data: append([]byte(nil), b...)}
}

func (m *memFile) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memFile) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *memFile) Seek(off int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = off
	case io.SeekCurrent:
		abs = m.pos + off
	case io.SeekEnd:
		abs = int64(len(m.data)) + off
	}
	if abs < 0 {
		return 0, errors.New("negative position")
	}
	m.pos = abs
	return abs, nil
}

func (m *memFile) Truncate(n int64) error {
	if n < int64(len(m.data)) {
		m.data = m.data[:n]
	}
	return nil
}

func (m *memFile) Bytes() []byte {
	return m.data
}

// ============================================================================
// 盒子构造
// ============================================================================

func box(typ string, payload ...[]byte) []byte {
	body := bytes.Join(payload, nil)
	out := binary.BigEndian.AppendUint32(nil, uint32(8+len(body)))
	out = append(out, typ...)
	return append(out, body...)
}

func fullBox(typ string, version byte, flags uint32, payload ...[]byte) []byte {
	head := []byte{version, byte(flags >> 16), byte(flags >> 8), byte(flags)}
	return box(typ, append([][]byte{head}, payload...)...)
}

func u16(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }
func u32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }
func u64(v uint64) []byte { return binary.BigEndian.AppendUint64(nil, v) }

func join(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func joinAll(parts [][]byte) []byte {
	return bytes.Join(parts, nil)
}

func ftyp() []byte {
	return box("ftyp", []byte("isom"), u32(0x200), []byte("isomiso2"))
}

// mdatPayload 可辨识的样本数据
func mdatPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + i/251)
	}
	return p
}

const (
	moovSize = 500
	mdatSize = 10000
)

// movie 生成 ftyp + before + moov + after + mdat。
// stbl 根据 mdat 负载的绝对位置生成子盒子；moov 尽量补齐到 500 字节
func movie(stbl func(base int64) [][]byte, before, after [][]byte) []byte {
	buildMoov := func(base int64) []byte {
		trak := box("trak", box("mdia", box("minf", box("stbl", stbl(base)...))))
		if pad := moovSize - 8 - len(trak); pad >= 8 {
			return box("moov", trak, box("free", make([]byte, pad-8)))
		}
		return box("moov", trak)
	}

	moovLen := len(buildMoov(0))
	base := int64(len(ftyp()) + len(joinAll(before)) + moovLen + len(joinAll(after)) + 8)

	return join(
		ftyp(),
		joinAll(before),
		buildMoov(base),
		joinAll(after),
		box("mdat", mdatPayload(mdatSize-8)),
	)
}

// stcoTable 两个 chunk：mdat 负载起点与其后 4000 字节
func stcoTable(base int64) [][]byte {
	return [][]byte{fullBox("stco", 0, 0, u32(2), u32(uint32(base)), u32(uint32(base+4000)))}
}

func progressive(before, after [][]byte) []byte {
	return movie(stcoTable, before, after)
}

// find 按路径查找第一个盒子
func find(t *testing.T, data []byte, path string) (bmff.Box, []byte) {
	t.Helper()
	tree, err := bmff.Parse(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	for i := range tree.Boxes {
		if tree.Path(i) == path {
			b := tree.Boxes[i]
			return b, data[b.PayloadOffset():b.End()]
		}
	}
	t.Fatalf("box %s not found", path)
	return bmff.Box{}, nil
}

// topTypes 顶层盒子的类型与长度
func topTypes(t *testing.T, data []byte) ([]string, []int64) {
	t.Helper()
	tree, err := bmff.Parse(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var types []string
	var sizes []int64
	for _, b := range tree.TopLevel() {
		types = append(types, b.Type.String())
		sizes = append(sizes, b.Size)
	}
	return types, sizes
}

// writeStore 流式写入并返回输出字节
func writeStore(t *testing.T, b *BmffIO, in []byte, store []byte) []byte {
	t.Helper()
	out := newMemFile(nil)
	require.NoError(t, b.WriteStoreStream(bytes.NewReader(in), out, store))
	return out.Bytes()
}

func removeStore(t *testing.T, b *BmffIO, in []byte) []byte {
	t.Helper()
	out := newMemFile(nil)
	require.NoError(t, b.RemoveStoreStream(bytes.NewReader(in), out))
	return out.Bytes()
}

func embedRef(t *testing.T, b *BmffIO, in []byte, ref models.RemoteRef) []byte {
	t.Helper()
	out := newMemFile(nil)
	require.NoError(t, b.EmbedRemoteReferenceStream(bytes.NewReader(in), out, ref))
	return out.Bytes()
}
