// Package digest 计算硬绑定哈希：只对标记为包含的区间按顺序求摘要
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"mediacred/internal/assetio"
	"mediacred/internal/bmff"
	"mediacred/internal/models"

	"github.com/zeebo/blake3"
)

// Algorithm 摘要算法
type Algorithm string

const (
	// SHA256 C2PA 硬绑定默认算法
	SHA256 Algorithm = "sha256"
	// BLAKE3 更快的可选算法
	BLAKE3 Algorithm = "blake3"
)

// ParseAlgorithm 空串为 sha256
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(s)) {
	case "", SHA256:
		return SHA256, nil
	case BLAKE3:
		return BLAKE3, nil
	}
	return "", fmt.Errorf("unknown digest algorithm %q", s)
}

// New 创建哈希器
func (a Algorithm) New() hash.Hash {
	if a == BLAKE3 {
		return blake3.New()
	}
	return sha256.New()
}

// Result 摘要结果与参与计算的区间
type Result struct {
	Algorithm Algorithm                   `json:"alg"`
	Sum       []byte                      `json:"-"`
	Hex       string                      `json:"digest"`
	Ranges    []models.HashObjectPosition `json:"ranges"`
	Hashed    int64                       `json:"hashed"`
}

// Compute 对 src 中所有 RoleIncluded 区间依次求摘要，排除区间跳过
func Compute(src io.ReaderAt, positions []models.HashObjectPosition, alg Algorithm) (*Result, error) {
	h := alg.New()
	var hashed int64
	for _, p := range positions {
		if p.Role != models.RoleIncluded {
			continue
		}
		n, err := io.Copy(h, io.NewSectionReader(src, p.Offset, p.Length))
		hashed += n
		if err != nil {
			return nil, err
		}
		if n != p.Length {
			return nil, fmt.Errorf("%w: range [%d,%d) short by %d bytes",
				assetio.ErrMalformedContainer, p.Offset, p.End(), p.Length-n)
		}
	}

	sum := h.Sum(nil)
	return &Result{
		Algorithm: alg,
		Sum:       sum,
		Hex:       hex.EncodeToString(sum),
		Ranges:    positions,
		Hashed:    hashed,
	}, nil
}

// Stream 先由引擎计算区间，再对同一个流求摘要
func Stream(r io.ReadSeeker, engine assetio.StreamReader, alg Algorithm) (*Result, error) {
	positions, err := engine.HashRangesStream(r)
	if err != nil {
		return nil, err
	}
	src, _, err := bmff.Source(r)
	if err != nil {
		return nil, assetio.WrapOp("digest", "", err)
	}
	res, err := Compute(src, positions, alg)
	if err != nil {
		return nil, assetio.WrapOp("digest", "", err)
	}
	return res, nil
}

// File 计算文件的硬绑定摘要
func File(path string, engine assetio.AssetIO, alg Algorithm) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, assetio.WrapOp("digest", path, err)
	}
	defer f.Close()

	res, err := Stream(f, engine.StreamReader(), alg)
	if err != nil {
		return nil, assetio.WrapOp("digest", path, err)
	}
	return res, nil
}
