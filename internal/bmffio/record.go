package bmffio

import (
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"html"
	"io"

	"mediacred/internal/assetio"
	"mediacred/internal/bmff"
	"mediacred/internal/models"
)

// 记录用途
const (
	purposeManifest = "manifest"
	purposeRemote   = "remote"
)

const (
	// maxPurposeLen uuid 布局中 purpose 字符串的上限（含结尾 NUL）
	maxPurposeLen = 64
	// merkleOffsetSize purpose 之后的 8 字节 merkle 偏移
	merkleOffsetSize = 8
)

// record 顶层的存储或远程引用盒子
type record struct {
	index      int // 顶层下标
	box        bmff.Box
	purpose    string
	layout     models.StoreLayout
	dataOffset int64 // 存储字节的绝对偏移
	dataLen    int64
}

func (r *record) isManifest() bool {
	return r.purpose == purposeManifest
}

// decodeRecord 识别顶层盒子是否为记录。不是记录时返回 ok=false
func decodeRecord(src io.ReaderAt, b bmff.Box) (rec record, ok bool, err error) {
	rec = record{box: b}

	switch {
	case b.Type == bmff.TypeC2PA:
		rec.purpose = purposeManifest
		rec.layout = models.LayoutPlain
		rec.dataOffset = b.PayloadOffset()
		rec.dataLen = b.PayloadSize()
		return rec, true, nil

	case b.Type == bmff.TypeC2UR:
		rec.purpose = purposeRemote
		rec.layout = models.LayoutPlain
		rec.dataOffset = b.PayloadOffset()
		rec.dataLen = b.PayloadSize()
		return rec, true, nil

	case b.IsUUID(bmff.C2PAUserType):
		// version(1) flags(3) purpose\0 merkle_offset(8) data
		n := b.PayloadSize()
		if n > 4+maxPurposeLen+merkleOffsetSize {
			n = 4 + maxPurposeLen + merkleOffsetSize
		}
		prefix := make([]byte, n)
		if err := bmff.ReadFullAt(src, prefix, b.PayloadOffset()); err != nil {
			return rec, false, err
		}
		if len(prefix) < 4 {
			return rec, false, malformed("c2pa uuid box at %d too small", b.Offset)
		}
		end := bytes.IndexByte(prefix[4:], 0)
		if end < 0 {
			return rec, false, malformed("c2pa uuid box at %d: purpose not terminated", b.Offset)
		}
		rec.purpose = string(prefix[4 : 4+end])
		if rec.purpose != purposeManifest && rec.purpose != purposeRemote {
			// merkle 等其它用途不由本引擎管理
			return rec, false, nil
		}
		head := int64(4 + end + 1 + merkleOffsetSize)
		if head > b.PayloadSize() {
			return rec, false, malformed("c2pa uuid box at %d: missing merkle offset", b.Offset)
		}
		rec.layout = models.LayoutUUID
		rec.dataOffset = b.PayloadOffset() + head
		rec.dataLen = b.PayloadSize() - head
		return rec, true, nil
	}

	return rec, false, nil
}

// encodeRecord 编码一个完整的记录盒子
func encodeRecord(layout models.StoreLayout, purpose string, data []byte) []byte {
	if layout == models.LayoutUUID {
		prefix := make([]byte, 0, 4+len(purpose)+1+merkleOffsetSize)
		prefix = append(prefix, 0, 0, 0, 0) // version + flags
		prefix = append(prefix, purpose...)
		prefix = append(prefix, 0)
		prefix = binary.BigEndian.AppendUint64(prefix, 0)

		h := bmff.NewUUIDHeader(bmff.C2PAUserType, int64(len(prefix)+len(data)))
		out := bmff.AppendHeader(make([]byte, 0, h.Size), h)
		out = append(out, prefix...)
		return append(out, data...)
	}

	typ := bmff.TypeC2PA
	if purpose == purposeRemote {
		typ = bmff.TypeC2UR
	}
	h := bmff.NewHeader(typ, int64(len(data)))
	out := bmff.AppendHeader(make([]byte, 0, h.Size), h)
	return append(out, data...)
}

// ============================================================================
// XMP
// ============================================================================

const (
	provenanceAttr = `dcterms:provenance="`
	dctermsNS      = `xmlns:dcterms="http://purl.org/dc/terms/"`
	descriptionTag = `<rdf:Description`
	packetEnd      = `<?xpacket end=`
)

// buildXMPPacket 生成只包含 dcterms:provenance 的 XMP 包
func buildXMPPacket(uri string) []byte {
	var b bytes.Buffer
	b.WriteString("<?xpacket begin=\"\xef\xbb\xbf\" id=\"W5M0MpCehiHzreSzNTczkc9d\"?>\n")
	b.WriteString("<x:xmpmeta xmlns:x=\"adobe:ns:meta/\">\n")
	b.WriteString(" <rdf:RDF xmlns:rdf=\"http://www.w3.org/1999/02/22-rdf-syntax-ns#\">\n")
	b.WriteString("  <rdf:Description rdf:about=\"\" " + dctermsNS + " ")
	fmt.Fprintf(&b, "%s%s\"/>\n", provenanceAttr, escapeAttr(uri))
	b.WriteString(" </rdf:RDF>\n")
	b.WriteString("</x:xmpmeta>\n")
	b.WriteString("<?xpacket end=\"w\"?>")
	return b.Bytes()
}

func escapeAttr(s string) string {
	var esc bytes.Buffer
	xml.EscapeText(&esc, []byte(s))
	return esc.String()
}

// encodeXMPBox 编码 XMP uuid 盒子
func encodeXMPBox(packet []byte) []byte {
	h := bmff.NewUUIDHeader(bmff.XMPUserType, int64(len(packet)))
	out := bmff.AppendHeader(make([]byte, 0, h.Size), h)
	return append(out, packet...)
}

// findProvenance 属性名起点、值起点与结束引号之后的位置；没有时 attr 为 -1
func findProvenance(packet []byte) (attr, val, end int) {
	i := bytes.Index(packet, []byte(provenanceAttr))
	if i < 0 {
		return -1, 0, 0
	}
	v := i + len(provenanceAttr)
	j := bytes.IndexByte(packet[v:], '"')
	if j < 0 {
		return -1, 0, 0
	}
	return i, v, v + j + 1
}

// xmpProvenance 从 XMP 包中取出 dcterms:provenance，没有时返回空串
func xmpProvenance(packet []byte) string {
	_, v, end := findProvenance(packet)
	if end == 0 {
		return ""
	}
	return html.UnescapeString(string(packet[v : end-1]))
}

// splice 用 insert 替换 packet[from:to]
func splice(packet []byte, from, to int, insert string) []byte {
	out := make([]byte, 0, len(packet)-(to-from)+len(insert))
	out = append(out, packet[:from]...)
	out = append(out, insert...)
	return append(out, packet[to:]...)
}

// setXMPProvenance 在已有 XMP 包中写入 dcterms:provenance，只改这一个属性。
// 没有该属性时加到第一个 rdf:Description 上，必要时补充命名空间声明
func setXMPProvenance(packet []byte, uri string) ([]byte, error) {
	esc := escapeAttr(uri)
	if attr, v, end := findProvenance(packet); attr >= 0 {
		return fitPadding(splice(packet, v, end-1, esc), len(packet)), nil
	}

	d := bytes.Index(packet, []byte(descriptionTag))
	if d < 0 {
		return nil, malformed("xmp packet has no rdf:Description")
	}
	at := d + len(descriptionTag)
	tagEnd := bytes.IndexByte(packet[at:], '>')
	if tagEnd < 0 {
		return nil, malformed("xmp rdf:Description not closed")
	}

	insert := " " + provenanceAttr + esc + `"`
	// 命名空间可能声明在 Description 或其祖先 (rdf:RDF, x:xmpmeta) 上
	if !bytes.Contains(packet[:at+tagEnd], []byte(dctermsNS)) {
		insert = " " + dctermsNS + insert
	}
	return fitPadding(splice(packet, at, at, insert), len(packet)), nil
}

// stripXMPProvenance 去掉 dcterms:provenance 属性，包中其它内容保持不变
func stripXMPProvenance(packet []byte) []byte {
	attr, _, end := findProvenance(packet)
	if attr < 0 {
		return packet
	}
	from := attr
	for from > 0 && isXMLSpace(packet[from-1]) {
		from--
	}
	return fitPadding(splice(packet, from, end, ""), len(packet))
}

func isXMLSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// fitPadding 尽量用 xpacket 结尾前的填充空白吸收长度变化，使盒子大小不变。
// 填充不够时原样返回
func fitPadding(packet []byte, want int) []byte {
	delta := len(packet) - want
	if delta == 0 {
		return packet
	}
	e := bytes.LastIndex(packet, []byte(packetEnd))
	if e < 0 {
		return packet
	}
	pad := e
	for pad > 0 && isXMLSpace(packet[pad-1]) {
		pad--
	}
	if delta > 0 {
		// 从填充区开头删，保留最后一个空白让 xpacket 结尾仍单独成行
		if e-pad-1 < delta {
			return packet
		}
		return splice(packet, pad, pad+delta, "")
	}
	if e == pad {
		// 没有填充区时不凭空加空白
		return packet
	}
	return splice(packet, pad, pad, string(bytes.Repeat([]byte(" "), -delta)))
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", assetio.ErrMalformedContainer, fmt.Sprintf(format, args...))
}
