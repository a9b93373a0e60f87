// next-tutor 学科辅导 AI 的会话服务
package main

import (
	"os"

	"github.com/ashwinyue/next-tutor/cmd/next-tutor/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
