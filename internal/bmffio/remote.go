package bmffio

import (
	"fmt"
	"io"

	"mediacred/internal/assetio"
	"mediacred/internal/bmff"
	"mediacred/internal/models"
)

// EmbedRemoteReferenceStream 在存储的规范位置写入远程引用。
// 现有存储与其它引用全部移除，二者互斥；XMP 盒子只增删 provenance 属性，其余内容不动
func (b *BmffIO) EmbedRemoteReferenceStream(in io.ReadSeeker, out io.ReadWriteSeeker, ref models.RemoteRef) error {
	if ref.URI == "" {
		return fmt.Errorf("embed reference: empty uri")
	}

	p, err := b.parse(in)
	if err != nil {
		return assetio.WrapOp("embed reference", "", err)
	}

	var (
		rec       []byte
		removals  []int
		replaceAt = -1
	)
	for _, r := range p.loc.records {
		removals = append(removals, r.index)
	}

	stripXMP := false
	switch ref.Kind {
	case models.RefKindXMP:
		packet := buildXMPPacket(ref.URI)
		if p.loc.xmp >= 0 {
			// 已有 XMP 时只改写其中的 provenance 属性
			if packet, err = setXMPProvenance(p.loc.xmpPacket, ref.URI); err != nil {
				return assetio.WrapOp("embed reference", "", err)
			}
			removals = append(removals, p.loc.xmp)
			replaceAt = p.loc.xmp
		}
		rec = encodeXMPBox(packet)
	case models.RefKindBox, "":
		rec = encodeRecord(b.opts.Layout, purposeRemote, []byte(ref.URI))
		stripXMP = true
	default:
		return fmt.Errorf("embed reference: unknown kind %q", ref.Kind)
	}

	// 优先沿用已有引用或存储的位置
	if replaceAt < 0 {
		switch {
		case p.loc.remote != nil:
			replaceAt = p.loc.remote.index
		case p.loc.store != nil:
			replaceAt = p.loc.store.index
		}
	}

	edits, err := planRecord(p.tree, removals, replaceAt, rec)
	if err != nil {
		return assetio.WrapOp("embed reference", "", err)
	}
	if stripXMP {
		edits = p.stripProvenance(edits)
	}
	rw := &rewrite{tree: p.tree, src: p.src, loc: p.loc, edits: edits, record: rec}
	return rw.run("embed reference", out)
}

// EmbedRemoteReference 向文件写入远程引用
func (b *BmffIO) EmbedRemoteReference(path string, ref models.RemoteRef) error {
	return b.rewriteFile("embed reference", path, func(in io.ReadSeeker, out io.ReadWriteSeeker) error {
		return b.EmbedRemoteReferenceStream(in, out, ref)
	})
}

// ReadRemoteReferenceStream 读取远程引用，专用盒子优先于 XMP
func (b *BmffIO) ReadRemoteReferenceStream(r io.ReadSeeker) (models.RemoteRef, error) {
	p, err := b.parse(r)
	if err != nil {
		return models.RemoteRef{}, assetio.WrapOp("read reference", "", err)
	}

	if rec := p.loc.remote; rec != nil {
		uri := make([]byte, rec.dataLen)
		if err := bmff.ReadFullAt(p.src, uri, rec.dataOffset); err != nil {
			return models.RemoteRef{}, assetio.WrapOp("read reference", "", err)
		}
		return models.RemoteRef{Kind: models.RefKindBox, URI: string(uri)}, nil
	}
	if p.loc.xmpRef != "" {
		return models.RemoteRef{Kind: models.RefKindXMP, URI: p.loc.xmpRef}, nil
	}
	return models.RemoteRef{}, assetio.ErrNotFound
}

// ReadRemoteReference 读取文件中的远程引用
func (b *BmffIO) ReadRemoteReference(path string) (models.RemoteRef, error) {
	var ref models.RemoteRef
	err := b.withReader(path, func(r io.ReadSeeker) error {
		var err error
		ref, err = b.ReadRemoteReferenceStream(r)
		return err
	})
	if err != nil {
		return models.RemoteRef{}, assetio.WrapOp("read reference", path, err)
	}
	return ref, nil
}
