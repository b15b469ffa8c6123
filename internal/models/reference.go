package models

import "fmt"

// RefKind 远程引用的嵌入方式
type RefKind string

const (
	// RefKindBox 专用引用盒子
	RefKindBox RefKind = "box"
	// RefKindXMP 写入 XMP 的 dcterms:provenance
	RefKindXMP RefKind = "xmp"
)

// ParseRefKind 解析引用类型
func ParseRefKind(s string) (RefKind, error) {
	switch RefKind(s) {
	case RefKindBox, RefKindXMP:
		return RefKind(s), nil
	case "":
		return RefKindBox, nil
	}
	return "", fmt.Errorf("unknown reference kind %q", s)
}

// RemoteRef 外部托管存储的引用
type RemoteRef struct {
	Kind RefKind `json:"kind"`
	URI  string  `json:"uri"`
}

// StoreLayout 存储盒子的编码布局
type StoreLayout string

const (
	// LayoutPlain 类型为 c2pa 的普通盒子，负载即存储字节
	LayoutPlain StoreLayout = "plain"
	// LayoutUUID C2PA uuid 盒子（fullbox + purpose + merkle offset）
	LayoutUUID StoreLayout = "uuid"
)

// ParseLayout 解析布局名，空串为 plain
func ParseLayout(s string) (StoreLayout, error) {
	switch StoreLayout(s) {
	case "", LayoutPlain:
		return LayoutPlain, nil
	case LayoutUUID:
		return LayoutUUID, nil
	}
	return "", fmt.Errorf("unknown store layout %q", s)
}
