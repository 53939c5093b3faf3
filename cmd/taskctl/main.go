// Command taskctl inspects and controls tasks directly against the database.
//
//	taskctl migrate
//	taskctl get <task-id>
//	taskctl cancel <task-id>
//	taskctl reap
//	taskctl set-key <scope> <api-key>
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
