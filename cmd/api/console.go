package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// consoleUser is the conversation id of the terminal session.
const consoleUser = "console"

type consoleDispatcher interface {
	HandleStream(ctx context.Context, userID, content string, onDelta func(string)) string
}

// runConsole 逐行读取输入，流式打印回复，直到输入结束或 ctx 取消。
func runConsole(ctx context.Context, in io.Reader, out io.Writer, d consoleDispatcher) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}

		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			fmt.Fprint(out, "> ")
			continue
		}

		var streamed strings.Builder
		reply := d.HandleStream(ctx, consoleUser, line, func(delta string) {
			streamed.WriteString(delta)
			fmt.Fprint(out, delta)
		})
		switch {
		case streamed.Len() == 0:
			fmt.Fprint(out, reply)
		case reply != streamed.String():
			// 流式输出中途失败，补上提示。
			fmt.Fprint(out, "\n"+reply)
		}
		fmt.Fprint(out, "\n> ")
	}
	return scanner.Err()
}
