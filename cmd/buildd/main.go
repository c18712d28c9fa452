package main

// buildd：套件建置 daemon 與其控制指令 (status / drain / replay)。

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/buildd/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
