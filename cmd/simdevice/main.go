package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// 模拟恒电位仪: 行式 TCP 服务, 按真实仪器的会话节奏应答。
// 用于不接硬件时的手工端到端联调 (配合 socat 把 TCP 映射成伪串口)。

var telemetry = []string{
	"Pda8000000 ;ba57F2238f,14,208",
	"Pda7643EAEn;ba654C17Cf,14,208",
	"Pda6C87D5Cn;ba654C17Cf,14,208",
	"Pda62CBC0An;ba72A60BEf,14,207",
	"Pda590FAB8n;ba72A60BEf,14,207",
	"Pda4F53964n;ba72A60BEf,14,207",
	"Pda4597814n;ba795305Ff,14,206",
	"Pda3BDB6C0n;ba795305Ff,14,206",
	"Pda321F570n;ba795305Ff,14,206",
	"Pda2863418n;ba7CA9830f,14,205",
	"Pda7FE7145u;ba7CA9830f,14,205",
	"Pda7FE4965u;ba7CA9830f,14,205",
	"Pda7FE2186u;ba7E54C18f,14,204",
}

func main() {
	addr := flag.String("addr", "127.0.0.1:7821", "listen address")
	interval := flag.Duration("interval", 100*time.Millisecond, "delay between telemetry lines")
	flag.Parse()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		fmt.Printf("监听失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("模拟恒电位仪已就绪 %s\n", *addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			fmt.Printf("接受连接失败: %v\n", err)
			continue
		}
		fmt.Printf("已连接 %s\n", conn.RemoteAddr())
		go serve(conn, *interval)
	}
}

// serve 应答活性探测, 收到空行 (脚本结束) 后回放一轮遥测并以 '*' 收尾
func serve(conn net.Conn, interval time.Duration) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			fmt.Printf("连接结束 %s: %v\n", conn.RemoteAddr(), err)
			return
		}
		text := strings.TrimSpace(line)

		switch {
		case text == "t":
			// 活性探测
			fmt.Fprintf(conn, "espico-sim\n")
		case text == "":
			// 脚本发送完毕, 开始回放遥测
			fmt.Printf(">> 回放 %d 条遥测记录\n", len(telemetry))
			for _, rec := range telemetry {
				fmt.Fprintf(conn, "%s\n", rec)
				time.Sleep(interval)
			}
			fmt.Fprintf(conn, "*\n")
			fmt.Println(">> 测量完成")
		default:
			// 脚本行: 仪器静默接收
		}
	}
}
