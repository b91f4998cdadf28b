package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var askCmd = &cobra.Command{
	Use:   "ask [message]",
	Short: "Process a single message and print the reply",
	Long: `Routes one message through the full pipeline: intent classification,
worker dispatch, and the model's tool loop against the isolation
runtime and memory store.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func runAsk(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.controller.Start(ctx); err != nil {
		logger.Warn("isolation session unavailable", zap.Error(err))
	} else {
		defer func() {
			if err := a.controller.Stop(context.Background()); err != nil {
				logger.Warn("session stop", zap.Error(err))
			}
		}()
	}

	reply, err := a.orch.HandleMessage(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	fmt.Println(reply)
	return nil
}
