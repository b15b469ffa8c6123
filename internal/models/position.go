package models

import "fmt"

// HashRole 哈希区间角色
type HashRole int

const (
	// RoleIncluded 参与硬绑定哈希的内容
	RoleIncluded HashRole = iota
	// RoleExcluded 被排除的存储区域
	RoleExcluded
)

func (r HashRole) String() string {
	switch r {
	case RoleIncluded:
		return "included"
	case RoleExcluded:
		return "excluded"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// MarshalText 以字符串形式输出到 JSON
func (r HashRole) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText 解析 included / excluded
func (r *HashRole) UnmarshalText(b []byte) error {
	switch string(b) {
	case "included":
		*r = RoleIncluded
	case "excluded":
		*r = RoleExcluded
	default:
		return fmt.Errorf("unknown hash role %q", b)
	}
	return nil
}

// HashObjectPosition 资产中的一个字节区间 (offset, length, role)
type HashObjectPosition struct {
	Offset int64    `json:"offset"`
	Length int64    `json:"length"`
	Role   HashRole `json:"role"`
}

// End 区间结束位置（不含）
func (p HashObjectPosition) End() int64 {
	return p.Offset + p.Length
}

// TotalLength 所有区间长度之和
func TotalLength(positions []HashObjectPosition) int64 {
	var n int64
	for _, p := range positions {
		n += p.Length
	}
	return n
}
