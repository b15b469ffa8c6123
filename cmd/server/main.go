package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediacred/internal/config"
	"mediacred/internal/logger"
	"mediacred/internal/server"

	"github.com/kataras/iris/v12"
)

func main() {
	configPath := flag.String("config", "", "Config file (default $"+config.EnvConfig+")")
	port := flag.Int("port", 0, "Server port (overrides config)")
	root := flag.String("root", "", "Asset root directory (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *root != "" {
		cfg.Storage.Root = *root
	}

	logOpts := cfg.LoggerOptions()
	if *debug {
		logOpts.Level = "debug"
	}
	logger.Setup(logOpts)

	// 查找可用端口
	actualPort := findAvailablePort(cfg.Server.Port)

	fmt.Println("============================================================")
	fmt.Println("BMFF 内容凭证服务")
	fmt.Println("============================================================")
	fmt.Printf("资产目录: %s\n", cfg.Storage.Root)
	if mpd := cfg.PresentationPath(); mpd != "" {
		fmt.Printf("DASH 演示: %s\n", mpd)
	}
	fmt.Printf("存储布局: %s\n", cfg.Engine.Layout)
	fmt.Printf("监听地址: http://localhost:%d\n", actualPort)
	fmt.Println("============================================================")

	svc, err := server.NewCredServer(cfg)
	if err != nil {
		logger.LogError("[Main] 服务初始化失败", "error", err)
		os.Exit(1)
	}

	// 创建 Iris 应用
	app := iris.New()
	app.Logger().SetLevel("warn")

	// CORS
	app.UseRouter(func(ctx iris.Context) {
		ctx.Header("Access-Control-Allow-Origin", "*")
		ctx.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		ctx.Header("Access-Control-Allow-Headers", "Content-Type")
		if ctx.Method() == "OPTIONS" {
			ctx.StatusCode(204)
			return
		}
		ctx.Next()
	})

	// 注册 API 路由
	handlers := server.NewHandlers(svc, server.NewMetrics())
	server.RegisterRoutes(app, handlers)

	// 优雅关闭
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		logger.LogInfo("[Main] 正在关闭...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.Shutdown(ctx)
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, actualPort)
	logger.LogInfo("[Main] 服务器已启动", "addr", addr)
	if err := app.Listen(addr); err != nil {
		logger.LogError("[Main] 服务器错误", "error", err)
	}
}

// findAvailablePort 查找可用端口，如果指定端口被占用则递增
func findAvailablePort(startPort int) int {
	for port := startPort; port < startPort+100; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			ln.Close()
			return port
		}
	}
	return startPort // 回退到原始端口
}

