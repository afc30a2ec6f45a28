//go:build linux

// Command runguard supervises one sandboxed command and writes a meta
// report. It propagates the child's exit code, or 128+signal when the
// child was signaled. Invoked as "runguard init" it becomes the child
// side of its own sandbox setup.
package main

import (
	"context"
	"fmt"
	"os"

	"judged/internal/runguard"
	"judged/internal/runguard/cgroup"
	"judged/pkg/utils/logger"
)

const supervisorFailureExit = 2

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		if err := runguard.RunInit(os.Stdin); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		return
	}

	opt, err := runguard.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(supervisorFailureExit)
	}

	logCfg := logger.Config{Level: os.Getenv("RUNGUARD_LOG_LEVEL"), Format: "console", OutputPath: "stdout"}
	if logCfg.Level == "" {
		logCfg.Level = "warn"
	}
	if err := logger.Init(logCfg); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(supervisorFailureExit)
	}
	defer func() {
		_ = logger.Sync()
	}()

	supervisor := runguard.NewSupervisor(cgroup.New(os.Getenv("RUNGUARD_CGROUP_FS")))
	report, err := supervisor.Run(context.Background(), opt)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(supervisorFailureExit)
	}
	os.Exit(report.ExitCode)
}
