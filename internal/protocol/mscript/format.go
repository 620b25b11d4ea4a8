package mscript

import (
	"math"
	"strconv"
	"strings"
)

// FormatSI 将数值文本格式化为设备脚本参数使用的 SI 字符串。
// V / V/s: 以毫伏形式输出, 去掉尾随零与小数点并附加 'm' 后缀 ("0.1" -> "100m");
// 数值 0 输出字面量 "0" (无后缀)。Hz: 整数值不带小数点, 非整数用紧凑通用格式。
// 其他单位与非数值输入原样透传 (回退, 不是错误)。
func FormatSI(value, unit string) string {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return value
	}

	switch unit {
	case "V", "V/s":
		if v == 0 {
			return "0"
		}
		// 十进制修剪写法, 对非整数毫伏值保留精度 (而不是整数截断)
		s := strconv.FormatFloat(v*1000.0, 'f', 12, 64)
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
		if s == "" || s == "-0" || s == "+0" {
			s = "0"
		}
		return s + "m"
	case "Hz":
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return value
	}
}

// formatNumber 以紧凑形式输出数值, 用于脚本中的无单位参数
func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
