package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/lk2023060901/paper-soldier-go/application"
	zlog "github.com/lk2023060901/paper-soldier-go/pkg/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		zlog.Info(fmt.Sprintf(format, args...))
	}))
	if err == nil {
		defer undo()
	}

	if err := application.New().Run(ctx, os.Args[1:]); err != nil {
		zlog.Error("paper-soldier exited", zap.Error(err))
		fmt.Fprintf(os.Stderr, "paper-soldier: %v\n", err)
		os.Exit(1)
	}
}
