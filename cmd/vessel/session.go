package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"vessel/internal/isolation"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage the isolation session directly",
}

var sessionExecCmd = &cobra.Command{
	Use:   "exec [command]",
	Short: "Run one command inside a fresh isolation session",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionExec,
}

var sessionProfileCmd = &cobra.Command{
	Use:   "profile [tier]",
	Short: "Show a profile tier's limits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := isolation.ProfileByName(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d cpu, %dG memory, %dG disk\n", p.Name, p.CPUCores, p.MemoryGB, p.DiskGB)
		if p.NetworkEnabled {
			if len(p.AllowedHosts) > 0 {
				fmt.Printf("network: allowlist %s\n", strings.Join(p.AllowedHosts, ", "))
			} else {
				fmt.Println("network: open")
			}
		} else {
			fmt.Println("network: disabled")
		}
		fmt.Printf("clipboard sync: %t, gpu: %t\n", p.ClipboardSync, p.GPUEnabled)
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionExecCmd)
	sessionCmd.AddCommand(sessionProfileCmd)
}

func runSessionExec(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.controller.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = a.controller.Stop(context.Background()) }()

	exitCode, err := a.runtime.ExecuteStream(ctx, strings.Join(args, " "), isolation.ExecOptions{},
		func(stream isolation.StreamType, data []byte) {
			if stream == isolation.StreamStderr {
				fmt.Print("\x1b[31m" + string(data) + "\x1b[0m")
			} else {
				fmt.Print(string(data))
			}
		})
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("exit code %d", exitCode)
	}
	return nil
}
