package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/zhouzirui/deskline/internal/config"
	"github.com/zhouzirui/deskline/internal/model/event"
	"github.com/zhouzirui/deskline/internal/service/api"
	"github.com/zhouzirui/deskline/internal/service/auth"
	"github.com/zhouzirui/deskline/internal/service/realtime"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	email := pflag.String("email", "", "登录邮箱，默认使用 DESK_EMAIL")
	password := pflag.String("password", "", "登录密码，默认使用 DESK_PASSWORD")
	duration := pflag.Duration("duration", 0, "运行时长，0 表示直到 Ctrl+C")
	pflag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}
	if !cfg.Realtime.Enabled {
		log.Fatal("实时通道未配置，请先设置 REALTIME_URL")
	}
	if *email == "" {
		*email = cfg.Desk.Email
	}
	if *password == "" {
		*password = cfg.Desk.Password
	}
	if *email == "" || *password == "" {
		pflag.Usage()
		log.Fatal("需要通过 --email/--password 或 DESK_EMAIL/DESK_PASSWORD 提供账号")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	client, err := api.NewClient(api.Config{
		BaseURL:        cfg.Desk.BaseURL,
		RequestTimeout: cfg.Desk.RequestTimeout,
		RefreshTimeout: cfg.Desk.RefreshTimeout,
	}, auth.NewCredentials())
	if err != nil {
		log.Fatalf("创建 API 客户端失败: %v", err)
	}

	sess, err := client.Login(ctx, *email, *password)
	if err != nil {
		log.Fatalf("登录失败 (%s): %v", api.Classify(err), err)
	}
	log.Printf("登录成功: user=%s", sess.UserID())

	channel, err := realtime.NewChannel(&realtime.Options{
		URL:           cfg.Realtime.URL,
		BackoffBase:   cfg.Realtime.BackoffBase,
		BackoffCap:    cfg.Realtime.BackoffCap,
		JitterPercent: cfg.Realtime.JitterPercent,
		PingInterval:  cfg.Realtime.PingInterval,
		ReadTimeout:   cfg.Realtime.ReadTimeout,
	}, client.Credentials(), client.Coordinator(), printEvent)
	if err != nil {
		log.Fatalf("创建实时通道失败: %v", err)
	}
	channel.OnStateChange(func(s realtime.State) {
		log.Printf("通道状态: %s", s)
	})

	if err := channel.Start(ctx, sess.UserID()); err != nil {
		log.Fatalf("启动实时通道失败: %v", err)
	}
	<-ctx.Done()
	channel.Stop()

	logoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Logout(logoutCtx); err != nil {
		log.Printf("[WARN] 登出失败: %v", err)
	}
}

func printEvent(_ context.Context, ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s %s\n", time.Now().Format(time.RFC3339), ev.Type(), payload)
	return nil
}
