package main

import (
	"encoding/json"
	"fmt"
	"os"

	"mediacred/internal/bmffio"
	"mediacred/internal/config"
	"mediacred/internal/dash"
	"mediacred/internal/logger"
	"mediacred/internal/models"

	"github.com/spf13/cobra"
)

// GlobalFlags 全局标志
type GlobalFlags struct {
	ConfigPath string // 配置文件
	Layout     string // 新写入存储的布局
	Strict     bool   // 重复存储视为结构错误
	MPD        string // DASH 演示文件
	Rep        string // 码流 ID
	Out        string // 输出文件，非空时使用流式接口，输入文件保持不变
	Verbose    bool
}

var (
	globalFlags GlobalFlags
	cfg         *config.Config
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "credbox",
	Short: "BMFF 内容凭证存储工具",
	Long: `credbox - 在 ISO-BMFF 资产中读写 C2PA 存储

支持 MP4/MOV/HEIF/AVIF 等 BMFF 容器以及 DASH 初始化分段:
- 读取、写入、原地修补、删除存储
- 计算硬绑定哈希区间与摘要
- 嵌入与读取远程清单引用

资产可以直接用路径指定，也可以用 --mpd 与 --rep 通过 DASH 演示解析。`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(globalFlags.ConfigPath)
		if err != nil {
			return fmt.Errorf("加载配置: %w", err)
		}
		if cmd.Flags().Changed("layout") {
			cfg.Engine.Layout = globalFlags.Layout
		}
		if cmd.Flags().Changed("strict") {
			cfg.Engine.StrictDuplicates = globalFlags.Strict
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logOpts := cfg.LoggerOptions()
		if globalFlags.Verbose {
			logOpts.Level = "debug"
		} else if !cmd.Flags().Changed("config") && os.Getenv(config.EnvConfig) == "" {
			logOpts.Level = "warn"
		}
		// 命令行输出占用 stdout，日志写到 stderr
		logger.Setup(logOpts)
		if logOpts.File == "" {
			logger.SetOutput(os.Stderr)
		}
		return nil
	},
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&globalFlags.ConfigPath, "config", "", "配置文件 (默认 $"+config.EnvConfig+")")
	pf.StringVar(&globalFlags.Layout, "layout", string(models.LayoutPlain), "存储布局: plain|uuid")
	pf.BoolVar(&globalFlags.Strict, "strict", false, "重复存储时报错")
	pf.StringVar(&globalFlags.MPD, "mpd", "", "DASH 演示文件")
	pf.StringVar(&globalFlags.Rep, "rep", "", "码流 ID (配合 --mpd)")
	pf.StringVarP(&globalFlags.Out, "out", "o", "", "输出文件")
	pf.BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "详细输出")

	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(patchCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(locateCmd)
	rootCmd.AddCommand(rangesCmd)
	rootCmd.AddCommand(digestCmd)
	rootCmd.AddCommand(embedCmd)
	rootCmd.AddCommand(refCmd)
	rootCmd.AddCommand(typesCmd)
}

// engine 按配置创建引擎
func engine() *bmffio.BmffIO {
	return bmffio.New("mp4", cfg.EngineOptions()...)
}

// target 解析要操作的资产路径：--mpd 指定时从演示中解析初始化分段
func target(args []string) (string, error) {
	if globalFlags.MPD == "" {
		if len(args) != 1 {
			return "", fmt.Errorf("需要资产路径，或使用 --mpd 与 --rep")
		}
		return args[0], nil
	}
	if globalFlags.Rep == "" {
		return "", fmt.Errorf("--mpd 需要配合 --rep")
	}
	d, err := dash.Open(globalFlags.MPD, "dash", cfg.EngineOptions()...)
	if err != nil {
		return "", err
	}
	return d.ResolveSegment(globalFlags.Rep, dash.SegmentInit)
}

// assetArgs 直接路径时需要一个参数，--mpd 时不需要
func assetArgs(cmd *cobra.Command, args []string) error {
	if globalFlags.MPD != "" {
		return cobra.NoArgs(cmd, args)
	}
	return cobra.ExactArgs(1)(cmd, args)
}

// printJSON 结果输出到 stdout
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	Execute()
}
