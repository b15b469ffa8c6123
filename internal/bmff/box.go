// Package bmff ISO-BMFF 盒子模型
//
// 负责盒子头的编解码、盒子树的解析（arena 形式）以及逐字节还原的序列化。
// 不解释任何盒子的语义负载。
package bmff

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"mediacred/internal/assetio"

	"github.com/google/uuid"
)

// ============================================================================
// 常量定义
// ============================================================================

const (
	// HeaderSize 普通盒子头 size(4) + type(4)
	HeaderSize = 8
	// LargeHeaderSize 带 64 位 largesize 的盒子头
	LargeHeaderSize = 16
	// UserTypeSize uuid 盒子的 usertype 长度
	UserTypeSize = 16

	// sizeToEOF size 字段为 0 表示延伸到流末尾
	sizeToEOF = 0
	// sizeLarge size 字段为 1 表示后跟 64 位 largesize
	sizeLarge = 1
)

// BoxType 4 字节盒子类型
type BoxType [4]byte

func (t BoxType) String() string {
	return string(t[:])
}

// NewBoxType 从 4 字符字符串构造类型
func NewBoxType(s string) BoxType {
	var t BoxType
	copy(t[:], s)
	return t
}

// 常用盒子类型
var (
	TypeFtyp = NewBoxType("ftyp")
	TypeStyp = NewBoxType("styp")
	TypeMoov = NewBoxType("moov")
	TypeTrak = NewBoxType("trak")
	TypeMdia = NewBoxType("mdia")
	TypeMinf = NewBoxType("minf")
	TypeStbl = NewBoxType("stbl")
	TypeEdts = NewBoxType("edts")
	TypeDinf = NewBoxType("dinf")
	TypeMvex = NewBoxType("mvex")
	TypeMoof = NewBoxType("moof")
	TypeTraf = NewBoxType("traf")
	TypeMfra = NewBoxType("mfra")
	TypeUdta = NewBoxType("udta")
	TypeMeta = NewBoxType("meta")
	TypeSinf = NewBoxType("sinf")
	TypeSchi = NewBoxType("schi")
	TypeHdlr = NewBoxType("hdlr")
	TypeMdat = NewBoxType("mdat")
	TypeFree = NewBoxType("free")
	TypeSkip = NewBoxType("skip")
	TypeUUID = NewBoxType("uuid")

	TypeStco = NewBoxType("stco")
	TypeCo64 = NewBoxType("co64")
	TypeSaio = NewBoxType("saio")
	TypeTfhd = NewBoxType("tfhd")
	TypeTfra = NewBoxType("tfra")
	TypeIloc = NewBoxType("iloc")

	// TypeC2PA 平铺布局下的存储盒子
	TypeC2PA = NewBoxType("c2pa")
	// TypeC2UR 平铺布局下的远程引用盒子
	TypeC2UR = NewBoxType("c2ur")
)

// 已知 usertype
var (
	// C2PAUserType 内容凭证 uuid 盒子
	C2PAUserType = uuid.MustParse("d8fec3d6-1b0e-483c-9297-5828877ec481")
	// XMPUserType XMP 元数据 uuid 盒子
	XMPUserType = uuid.MustParse("be7acfcb-97a9-42e8-9c71-999491e3afac")
)

// containerTypes 会向下解析子盒子的容器类型
var containerTypes = map[BoxType]bool{
	TypeMoov: true,
	TypeTrak: true,
	TypeMdia: true,
	TypeMinf: true,
	TypeStbl: true,
	TypeEdts: true,
	TypeDinf: true,
	TypeMvex: true,
	TypeMoof: true,
	TypeTraf: true,
	TypeMfra: true,
	TypeUdta: true,
	TypeMeta: true,
	TypeSinf: true,
	TypeSchi: true,
}

// IsContainer 判断类型是否为容器
func IsContainer(t BoxType) bool {
	return containerTypes[t]
}

// ============================================================================
// 盒子头
// ============================================================================

// Header 盒子头
type Header struct {
	Type       BoxType
	Size       int64 // 整个盒子的字节数（含头）
	HeaderSize int64 // 8 / 16，uuid 盒子再加 16
	Large      bool  // 原始编码使用了 64 位 largesize
	ToEOF      bool  // 原始 size 字段为 0
	UserType   uuid.UUID
}

// PayloadSize 负载字节数
func (h *Header) PayloadSize() int64 {
	return h.Size - h.HeaderSize
}

// IsUUID 是否为指定 usertype 的 uuid 盒子
func (h *Header) IsUUID(u uuid.UUID) bool {
	return h.Type == TypeUUID && h.UserType == u
}

// ReadHeader 读取位于 offset 的盒子头，limit 为父容器（或流）的结束位置
func ReadHeader(r io.ReaderAt, offset, limit int64) (Header, error) {
	var h Header
	if limit-offset < HeaderSize {
		return h, malformed("box header at %d truncated (%d bytes left)", offset, limit-offset)
	}

	var buf [LargeHeaderSize]byte
	if err := ReadFullAt(r, buf[:HeaderSize], offset); err != nil {
		return h, err
	}

	size := int64(binary.BigEndian.Uint32(buf[0:4]))
	copy(h.Type[:], buf[4:8])
	h.HeaderSize = HeaderSize

	switch size {
	case sizeLarge:
		if limit-offset < LargeHeaderSize {
			return h, malformed("largesize header at %d truncated", offset)
		}
		if err := ReadFullAt(r, buf[HeaderSize:LargeHeaderSize], offset+HeaderSize); err != nil {
			return h, err
		}
		large := binary.BigEndian.Uint64(buf[HeaderSize:LargeHeaderSize])
		if large > math.MaxInt64 {
			return h, malformed("box %s at %d: largesize %d out of range", h.Type, offset, large)
		}
		size = int64(large)
		h.Large = true
		h.HeaderSize = LargeHeaderSize
	case sizeToEOF:
		size = limit - offset
		h.ToEOF = true
	}

	if h.Type == TypeUUID {
		if limit-offset < h.HeaderSize+UserTypeSize {
			return h, malformed("uuid header at %d truncated", offset)
		}
		if err := ReadFullAt(r, h.UserType[:], offset+h.HeaderSize); err != nil {
			return h, err
		}
		h.HeaderSize += UserTypeSize
	}

	if size < h.HeaderSize {
		return h, malformed("box %s at %d: size %d smaller than header", h.Type, offset, size)
	}
	if offset+size > limit {
		return h, malformed("box %s at %d: size %d overruns bound %d", h.Type, offset, size, limit)
	}

	h.Size = size
	return h, nil
}

// AppendHeader 追加盒子头编码。large 强制使用 64 位形式，toEOF 写入 size=0
func AppendHeader(dst []byte, h Header) []byte {
	var tmp [8]byte
	switch {
	case h.ToEOF:
		binary.BigEndian.PutUint32(tmp[:4], sizeToEOF)
		dst = append(dst, tmp[:4]...)
		dst = append(dst, h.Type[:]...)
	case h.Large || h.Size > math.MaxUint32:
		binary.BigEndian.PutUint32(tmp[:4], sizeLarge)
		dst = append(dst, tmp[:4]...)
		dst = append(dst, h.Type[:]...)
		binary.BigEndian.PutUint64(tmp[:], uint64(h.Size))
		dst = append(dst, tmp[:]...)
	default:
		binary.BigEndian.PutUint32(tmp[:4], uint32(h.Size))
		dst = append(dst, tmp[:4]...)
		dst = append(dst, h.Type[:]...)
	}
	if h.Type == TypeUUID {
		dst = append(dst, h.UserType[:]...)
	}
	return dst
}

// NewHeader 为给定负载长度构造盒子头，必要时切换到 64 位 size
func NewHeader(t BoxType, payloadLen int64) Header {
	h := Header{Type: t, HeaderSize: HeaderSize}
	if t == TypeUUID {
		h.HeaderSize += UserTypeSize
	}
	if payloadLen+h.HeaderSize > math.MaxUint32 {
		h.Large = true
		h.HeaderSize += LargeHeaderSize - HeaderSize
	}
	h.Size = payloadLen + h.HeaderSize
	return h
}

// NewUUIDHeader 构造 uuid 盒子头
func NewUUIDHeader(u uuid.UUID, payloadLen int64) Header {
	h := NewHeader(TypeUUID, payloadLen)
	h.UserType = u
	return h
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", assetio.ErrMalformedContainer, fmt.Sprintf(format, args...))
}

// readErr 把读到流末尾视为结构错误，其余 I/O 错误原样返回
func readErr(err error, offset int64) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return malformed("unexpected end of stream at %d", offset)
	}
	return err
}
