package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start the interactive chat interface",
	RunE:  runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	fmt.Printf("vessel - %s backend, %s profile. Type /quit to exit.\n",
		a.cfg.Isolation.Backend, a.cfg.Isolation.Profile)

	if err := a.controller.Start(ctx); err != nil {
		logger.Warn("isolation session unavailable; shell tools will fail", zap.Error(err))
		fmt.Println("note: isolation session failed to start; file and shell tools are unavailable.")
	} else {
		defer func() {
			if err := a.controller.Stop(context.Background()); err != nil {
				logger.Warn("session stop", zap.Error(err))
			}
		}()
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}
		if line == "/status" {
			printSessionStatus(ctx, a)
			continue
		}

		turnCtx, turnCancel := context.WithTimeout(ctx, timeout)
		reply, err := a.orch.HandleMessage(turnCtx, line)
		turnCancel()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Println("error:", err)
			continue
		}
		fmt.Println(reply)
	}
	return scanner.Err()
}

func printSessionStatus(ctx context.Context, a *app) {
	sess := a.controller.Session()
	fmt.Printf("session %s: %s (%s backend, %s profile)\n",
		sess.ID, sess.Status, sess.Backend, sess.Profile.Name)
	if !a.runtime.IsRunning() {
		return
	}
	st, err := a.runtime.Status(ctx)
	if err != nil {
		fmt.Println("status unavailable:", err)
		return
	}
	fmt.Printf("cpu %.1f%%, memory %.1f%%, up %s\n", st.CPUPercent, st.MemoryPercent, st.Uptime.Round(time.Second))
}
