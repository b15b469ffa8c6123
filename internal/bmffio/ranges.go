package bmffio

import (
	"io"

	"mediacred/internal/assetio"
	"mediacred/internal/models"
)

// positions 覆盖整个资产的区间列表：记录盒子标记为排除，其余连续的包含区间合并。
// 所有区间拼接后恰好等于资产长度
func (p *parsed) positions() []models.HashObjectPosition {
	var out []models.HashObjectPosition
	push := func(off, n int64, role models.HashRole) {
		if n == 0 {
			return
		}
		if k := len(out) - 1; k >= 0 && role == models.RoleIncluded &&
			out[k].Role == models.RoleIncluded && out[k].End() == off {
			out[k].Length += n
			return
		}
		out = append(out, models.HashObjectPosition{Offset: off, Length: n, Role: role})
	}

	for i := 0; i < p.tree.Top; i++ {
		b := p.tree.Boxes[i]
		role := models.RoleIncluded
		if p.loc.excluded(i) {
			role = models.RoleExcluded
		}
		push(b.Offset, b.Size, role)
	}
	return out
}

// HashRangesStream 计算硬绑定哈希的字节区间。每次调用都重新解析，不使用任何快照
func (b *BmffIO) HashRangesStream(r io.ReadSeeker) ([]models.HashObjectPosition, error) {
	p, err := b.parse(r)
	if err != nil {
		return nil, assetio.WrapOp("hash ranges", "", err)
	}
	return p.positions(), nil
}

// HashRanges 计算文件的哈希区间
func (b *BmffIO) HashRanges(path string) ([]models.HashObjectPosition, error) {
	var out []models.HashObjectPosition
	err := b.withReader(path, func(r io.ReadSeeker) error {
		var err error
		out, err = b.HashRangesStream(r)
		return err
	})
	if err != nil {
		return nil, assetio.WrapOp("hash ranges", path, err)
	}
	return out, nil
}
