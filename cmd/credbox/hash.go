package main

import (
	"io"
	"os"

	"mediacred/internal/dash"
	"mediacred/internal/digest"
	"mediacred/internal/models"

	"github.com/spf13/cobra"
)

var (
	digestAlg string
	refKind   string
	refURI    string
)

// rangesCmd 哈希区间
var rangesCmd = &cobra.Command{
	Use:   "ranges [asset]",
	Short: "输出硬绑定哈希区间",
	Args:  assetArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := target(args)
		if err != nil {
			return err
		}
		ranges, err := engine().HashRanges(path)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{
			"ranges": ranges,
			"total":  models.TotalLength(ranges),
		})
	},
}

// digestCmd 摘要
var digestCmd = &cobra.Command{
	Use:   "digest [asset]",
	Short: "计算硬绑定摘要",
	Long:  "按哈希区间计算摘要，被排除的存储区域不参与",
	Args:  assetArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		alg, err := digest.ParseAlgorithm(digestAlg)
		if err != nil {
			return err
		}
		path, err := target(args)
		if err != nil {
			return err
		}
		res, err := digest.File(path, engine(), alg)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

// embedCmd 嵌入远程引用
var embedCmd = &cobra.Command{
	Use:   "embed [asset] --uri <uri>",
	Short: "嵌入远程清单引用",
	Long:  "box 方式写入引用记录，xmp 方式写入 dcterms:provenance；两者都会替换已有的存储或引用",
	Args:  assetArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := models.ParseRefKind(refKind)
		if err != nil {
			return err
		}
		path, err := target(args)
		if err != nil {
			return err
		}
		ref := models.RemoteRef{Kind: kind, URI: refURI}
		e := engine()
		if globalFlags.Out != "" {
			err = streamTo(path, func(in io.ReadSeeker, out io.ReadWriteSeeker) error {
				return e.EmbedRemoteReferenceStream(in, out, ref)
			})
		} else {
			err = e.EmbedRemoteReference(path, ref)
		}
		if err != nil {
			return err
		}
		return printJSON(ref)
	},
}

// refCmd 读取远程引用
var refCmd = &cobra.Command{
	Use:   "ref [asset]",
	Short: "读取远程清单引用",
	Args:  assetArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := target(args)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		ref, err := engine().ReadRemoteReferenceStream(f)
		if err != nil {
			return err
		}
		return printJSON(ref)
	},
}

func init() {
	digestCmd.Flags().StringVar(&digestAlg, "alg", string(digest.SHA256), "摘要算法: sha256|blake3")

	embedCmd.Flags().StringVar(&refKind, "kind", string(models.RefKindBox), "嵌入方式: box|xmp")
	embedCmd.Flags().StringVar(&refURI, "uri", "", "清单 URI")
	_ = embedCmd.MarkFlagRequired("uri")
}

func dashTypes() []string {
	return dash.New("dash").SupportedTypes()
}
