// Package dash 分段演示（DASH/CMAF）的适配层
//
// 解析 MPD，按 SegmentTemplate 找到承载存储的物理分段（默认是初始化分段），
// 之后的所有操作原样交给 bmffio 引擎。
package dash

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Presentation MPD 演示模型
type Presentation struct {
	XMLName       xml.Name `xml:"MPD"`
	Duration      string   `xml:"mediaPresentationDuration,attr"`
	MinBufferTime string   `xml:"minBufferTime,attr"`
	Periods       []Period `xml:"Period"`
}

// Period 时间段
type Period struct {
	ID             string          `xml:"id,attr"`
	AdaptationSets []AdaptationSet `xml:"AdaptationSet"`
}

// AdaptationSet 可切换的一组码流
type AdaptationSet struct {
	ID              string           `xml:"id,attr"`
	MimeType        string           `xml:"mimeType,attr"`
	SegmentTemplate *SegmentTemplate `xml:"SegmentTemplate"`
	Representations []Representation `xml:"Representation"`
}

// Representation 单个码流
type Representation struct {
	ID              string           `xml:"id,attr"`
	Bandwidth       uint32           `xml:"bandwidth,attr"`
	Codecs          string           `xml:"codecs,attr"`
	MimeType        string           `xml:"mimeType,attr"`
	SegmentTemplate *SegmentTemplate `xml:"SegmentTemplate"`
}

// SegmentTemplate 分段地址模板
type SegmentTemplate struct {
	Initialization string  `xml:"initialization,attr"`
	Media          string  `xml:"media,attr"`
	Timescale      uint32  `xml:"timescale,attr"`
	Duration       uint32  `xml:"duration,attr"`
	StartNumber    *uint32 `xml:"startNumber,attr"`
}

// FirstNumber 第一个媒体分段的编号，缺省为 1
func (s *SegmentTemplate) FirstNumber() uint64 {
	if s.StartNumber == nil {
		return 1
	}
	return uint64(*s.StartNumber)
}

// ParsePresentation 从 XML 解析 MPD
func ParsePresentation(r io.Reader) (*Presentation, error) {
	var p Presentation
	if err := xml.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("parse mpd: %w", err)
	}
	return &p, nil
}

// LoadPresentation 读取 MPD 文件
func LoadPresentation(path string) (*Presentation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParsePresentation(f)
}

// Representation 按 id 查找码流，同时返回所属的 AdaptationSet
func (p *Presentation) Representation(id string) (*Representation, *AdaptationSet, bool) {
	for i := range p.Periods {
		for j := range p.Periods[i].AdaptationSets {
			as := &p.Periods[i].AdaptationSets[j]
			for k := range as.Representations {
				if as.Representations[k].ID == id {
					return &as.Representations[k], as, true
				}
			}
		}
	}
	return nil, nil, false
}

// RepresentationIDs 所有码流 id，按出现顺序
func (p *Presentation) RepresentationIDs() []string {
	var ids []string
	for _, period := range p.Periods {
		for _, as := range period.AdaptationSets {
			for _, r := range as.Representations {
				ids = append(ids, r.ID)
			}
		}
	}
	return ids
}

// Template 码流自身的模板优先，否则继承 AdaptationSet 的模板
func (r *Representation) Template(as *AdaptationSet) *SegmentTemplate {
	if r.SegmentTemplate != nil {
		return r.SegmentTemplate
	}
	if as != nil {
		return as.SegmentTemplate
	}
	return nil
}

// ============================================================================
// 模板展开
// ============================================================================

// TemplateVars 模板变量
type TemplateVars struct {
	RepresentationID string
	Bandwidth        uint32
	Number           uint64
	Time             uint64
}

// ExpandTemplate 展开 $RepresentationID$ $Bandwidth$ $Number$ $Time$ 与 $$，
// 数值标识符可带 %0Nd 宽度格式
func ExpandTemplate(tmpl string, v TemplateVars) (string, error) {
	var b strings.Builder
	rest := tmpl
	for {
		i := strings.IndexByte(rest, '$')
		if i < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:i])
		rest = rest[i+1:]

		j := strings.IndexByte(rest, '$')
		if j < 0 {
			return "", fmt.Errorf("template %q: unterminated identifier", tmpl)
		}
		ident := rest[:j]
		rest = rest[j+1:]

		if ident == "" {
			b.WriteByte('$')
			continue
		}

		name, format, _ := strings.Cut(ident, "%")
		var value uint64
		switch name {
		case "RepresentationID":
			if format != "" {
				return "", fmt.Errorf("template %q: $RepresentationID$ takes no format", tmpl)
			}
			b.WriteString(v.RepresentationID)
			continue
		case "Bandwidth":
			value = uint64(v.Bandwidth)
		case "Number":
			value = v.Number
		case "Time":
			value = v.Time
		default:
			return "", fmt.Errorf("template %q: unknown identifier $%s$", tmpl, ident)
		}

		width, err := parseWidth(format)
		if err != nil {
			return "", fmt.Errorf("template %q: %w", tmpl, err)
		}
		s := strconv.FormatUint(value, 10)
		if pad := width - len(s); pad > 0 {
			b.WriteString(strings.Repeat("0", pad))
		}
		b.WriteString(s)
	}
}

// maxNumberWidth 模板中 %0Nd 允许的最大宽度，uint64 最多 20 位
const maxNumberWidth = 32

// parseWidth 解析 0Nd 格式，空串表示无宽度
func parseWidth(format string) (int, error) {
	if format == "" {
		return 0, nil
	}
	if !strings.HasSuffix(format, "d") {
		return 0, fmt.Errorf("unsupported format %%%s", format)
	}
	digits := strings.TrimSuffix(format, "d")
	if digits == "" {
		return 0, nil
	}
	if digits[0] != '0' {
		return 0, fmt.Errorf("unsupported format %%%s", format)
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("unsupported format %%%s", format)
	}
	if n > maxNumberWidth {
		return 0, fmt.Errorf("format %%%s: width exceeds %d", format, maxNumberWidth)
	}
	return n, nil
}
