package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"schedcore/internal/app"
	"schedcore/internal/sched"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json/yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	// Built-in handlers. Real deployments register their own before Start.
	a.RegisterHandler("echo", func(ctx context.Context, payload any) (any, error) {
		return payload, nil
	}, sched.ExecDirect)
	a.RegisterHandler("sleep", func(ctx context.Context, payload any) (any, error) {
		d := 100 * time.Millisecond
		if s, ok := payload.(string); ok {
			if parsed, err := time.ParseDuration(s); err == nil {
				d = parsed
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
			return d.String(), nil
		}
	}, sched.ExecOffloaded)

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	<-ctx.Done()
	_ = a.Stop(context.Background())
}
