package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"tiny-agent/sdk/go/tinyagent"
)

// 向运行中的 tinyagent serve 提交任务并等待结果。
func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "tinyagent API address")
	task := flag.String("task", "file_operations action=exists filepath=go.mod", "task to run")
	flag.Parse()

	client, err := tinyagent.NewClient(*addr, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	tools, err := client.Tools(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, t := range tools {
		fmt.Printf("tool %s: %s\n", t.Name, t.Description)
	}

	run, err := client.Submit(ctx, tinyagent.Submission{Task: *task})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("submitted run %s (status=%s)\n", run.ID, run.Status)

	run, err = client.Wait(ctx, run.ID, 200*time.Millisecond)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if run.Result != nil {
		fmt.Printf("run %s %s: %s\n", run.ID, run.Result.Status, run.Result.Answer)
		return
	}
	fmt.Printf("run %s %s: %s\n", run.ID, run.Status, run.LastError)
}
