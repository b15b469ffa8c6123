package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"mediacred/internal/assetio"
	"mediacred/internal/bmffio"
	"mediacred/internal/logger"

	"github.com/spf13/cobra"
)

var (
	storeFile  string // 存储内容来源文件
	writePatch bool   // 先尝试原地修补
)

// readCmd 读取存储
var readCmd = &cobra.Command{
	Use:   "read [asset]",
	Short: "读取存储字节",
	Long:  "输出资产中 C2PA 存储的原始字节，--out 指定时写入文件",
	Args:  assetArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := target(args)
		if err != nil {
			return err
		}
		data, err := engine().ReadStore(path)
		if err != nil {
			return err
		}
		if globalFlags.Out != "" {
			return os.WriteFile(globalFlags.Out, data, 0o644)
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

// writeCmd 写入存储
var writeCmd = &cobra.Command{
	Use:   "write [asset] --store <file>",
	Short: "写入或替换存储",
	Long:  "把 --store 文件的内容写入资产。--patch 时优先原地修补，--out 时输出到新文件",
	Args:  assetArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := target(args)
		if err != nil {
			return err
		}
		store, err := loadStore()
		if err != nil {
			return err
		}
		e := engine()

		if globalFlags.Out != "" {
			err = streamTo(path, func(in io.ReadSeeker, out io.ReadWriteSeeker) error {
				return e.WriteStoreStream(in, out, store)
			})
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{"path": globalFlags.Out, "patched": false, "size": len(store)})
		}
		patched, err := writeStoreFile(e, path, store, writePatch)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"path": path, "patched": patched, "size": len(store)})
	},
}

// patchCmd 原地修补
var patchCmd = &cobra.Command{
	Use:   "patch [asset] --store <file>",
	Short: "原地修补存储",
	Long:  "新存储必须能放进现有存储盒子，不足部分补零；资产其余字节保持不变",
	Args:  assetArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := target(args)
		if err != nil {
			return err
		}
		store, err := loadStore()
		if err != nil {
			return err
		}
		if err := engine().PatchStore(path, store); err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"path": path, "patched": true, "size": len(store)})
	},
}

// removeCmd 删除存储
var removeCmd = &cobra.Command{
	Use:   "remove [asset]",
	Short: "删除存储",
	Args:  assetArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := target(args)
		if err != nil {
			return err
		}
		e := engine()
		if globalFlags.Out != "" {
			return streamTo(path, e.RemoveStoreStream)
		}
		return e.RemoveStore(path)
	},
}

// locateCmd 存储位置
var locateCmd = &cobra.Command{
	Use:   "locate [asset]",
	Short: "显示存储盒子的位置",
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

		loc, err := engine().Locate(f)
		if err != nil {
			return err
		}
		return printJSON(loc)
	},
}

// typesCmd 支持的类型
var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "列出支持的资产类型",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(map[string][]string{
			"bmff": bmffio.New("mp4").SupportedTypes(),
			"dash": dashTypes(),
		})
	},
}

func init() {
	writeCmd.Flags().StringVar(&storeFile, "store", "", "存储内容文件 (- 表示 stdin)")
	writeCmd.Flags().BoolVar(&writePatch, "patch", false, "能放下时原地修补")
	_ = writeCmd.MarkFlagRequired("store")

	patchCmd.Flags().StringVar(&storeFile, "store", "", "存储内容文件 (- 表示 stdin)")
	_ = patchCmd.MarkFlagRequired("store")
}

// loadStore 读取 --store
func loadStore() ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if storeFile == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(storeFile)
	}
	if err != nil {
		return nil, fmt.Errorf("读取存储内容: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("存储内容为空")
	}
	return data, nil
}

// writeStoreFile 写入文件。patch 时先原地修补，只有放不下或没有存储时才改为完整写入
func writeStoreFile(e *bmffio.BmffIO, path string, store []byte, patch bool) (bool, error) {
	if patch {
		err := e.PatchStore(path, store)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, assetio.ErrPatchSizeMismatch), errors.Is(err, assetio.ErrNotFound):
			logger.LogDebug("[CLI] 无法原地修补，改为完整写入", "path", path, "reason", err)
		default:
			return false, err
		}
	}
	return false, e.WriteStore(path, store)
}

// ErrSameOutput --out 指向输入文件
var ErrSameOutput = errors.New("--out 与输入是同一文件，去掉 --out 即可原地修改")

// streamTo 以 path 为输入、--out 为输出执行流式操作，失败时删除输出文件
func streamTo(path string, fn func(in io.ReadSeeker, out io.ReadWriteSeeker) error) (err error) {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	// 截断输出前确认它不是输入本身 (含符号链接与硬链接)
	same, err := sameFile(in, globalFlags.Out)
	if err != nil {
		return err
	}
	if same {
		return ErrSameOutput
	}

	out, err := os.OpenFile(globalFlags.Out, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(globalFlags.Out)
		}
	}()
	return fn(in, out)
}

// sameFile 判断 name 是否与已打开的 f 是同一文件；name 不存在时为 false
func sameFile(f *os.File, name string) (bool, error) {
	fi, err := f.Stat()
	if err != nil {
		return false, err
	}
	oi, err := os.Stat(name)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return os.SameFile(fi, oi), nil
}
