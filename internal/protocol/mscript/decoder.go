package mscript

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	// RecordMarker 遥测记录行的起始字符
	RecordMarker = 'P'
	// 变量令牌之间的分隔符
	varSeparator = ";"
	// 数值字段的 "not-a-number" 字面量 (8 字符)
	nanField = "     nan"
	// 偏移二进制编码零点: 7 位十六进制数以 2^27 为中点
	valueOffset = 1 << 27
)

var (
	// ErrShortToken 当变量令牌不足 10 字符时返回
	ErrShortToken = errors.New("变量令牌过短")
	// ErrUnknownPrefix 当 SI 前缀字符不在固定表中时返回
	ErrUnknownPrefix = errors.New("未知 SI 前缀")
	// ErrBadValue 当数值字段不是合法十六进制时返回
	ErrBadValue = errors.New("无效数值字段")
)

// siPrefixFactor SI 前缀字符到十进制倍率的固定表。' ' 与 'i' 均映射为 1。
var siPrefixFactor = map[byte]float64{
	'a': 1e-18, 'f': 1e-15, 'p': 1e-12, 'n': 1e-9, 'u': 1e-6,
	'm': 1e-3, ' ': 1e0, 'k': 1e3, 'M': 1e6, 'G': 1e9,
	'T': 1e12, 'P': 1e15, 'E': 1e18, 'i': 1e0,
}

// Metadata 变量令牌尾部的可选元数据
type Metadata struct {
	Status    int // 状态半字节 (长度 2、以 '1' 开头的令牌)
	Check     int // 校验值 (长度 3、以 '2' 开头的令牌)
	HasStatus bool
	HasCheck  bool
}

// Variable 一条遥测记录中的单个已解码变量
type Variable struct {
	TypeID   string
	Raw      int64 // 去偏移后的有符号原始值; NaN 时无意义
	NaN      bool
	SIPrefix byte
	Meta     Metadata
}

// Type 返回变量的目录条目 (未知 id 得到占位类型)
func (v Variable) Type() VarType {
	vt, _ := LookupVarType(v.TypeID)
	return vt
}

// PrefixFactor 返回 SI 前缀对应的倍率
func (v Variable) PrefixFactor() float64 {
	return siPrefixFactor[v.SIPrefix]
}

// Value 返回按前缀缩放后的物理量
func (v Variable) Value() float64 {
	if v.NaN {
		return math.NaN()
	}
	return float64(v.Raw) * v.PrefixFactor()
}

// Record 一行遥测记录解码得到的变量序列
type Record []Variable

// Decoder 解码设备流式输出的遥测记录
type Decoder struct {
	logger *zap.Logger
}

func NewDecoder(logger *zap.Logger) *Decoder {
	return &Decoder{logger: logger}
}

// DecodeRecord 尝试将一行解码为遥测记录。
// 行必须以记录标记 'P' 开头且以 '\n' 结尾, 否则返回 (nil, nil) 表示"非记录行" (不是错误)。
// 令牌格式错误返回解码错误, 由调用方跳过该行并继续。
func (d *Decoder) DecodeRecord(line string) (Record, error) {
	if len(line) < 2 || line[0] != RecordMarker || !strings.HasSuffix(line, "\n") {
		return nil, nil
	}

	body := line[1 : len(line)-1]
	tokens := strings.Split(body, varSeparator)
	rec := make(Record, 0, len(tokens))
	for _, token := range tokens {
		v, err := d.decodeVariable(token)
		if err != nil {
			return nil, err
		}
		rec = append(rec, v)
	}
	return rec, nil
}

// decodeVariable 解析单个变量令牌:
// [0,2) 类型 id; [2,10) 为 "     nan" 字面量, 或 7 位十六进制数值加 1 位 SI 前缀;
// 其后以 ',' 分隔的令牌为可选元数据。
func (d *Decoder) decodeVariable(token string) (Variable, error) {
	if len(token) < 10 {
		return Variable{}, fmt.Errorf("%w: %q", ErrShortToken, token)
	}

	v := Variable{TypeID: token[0:2]}
	if _, known := LookupVarType(v.TypeID); !known && d.logger != nil {
		d.logger.Warn("未知变量类型 id", zap.String("id", v.TypeID))
	}

	if token[2:10] == nanField {
		// NaN 哨兵: 忽略尾随前缀字符, 前缀强制为 ' '
		v.NaN = true
		v.SIPrefix = ' '
	} else {
		raw, err := decodeValue(token[2:9])
		if err != nil {
			return Variable{}, err
		}
		v.Raw = raw
		v.SIPrefix = token[9]
		if _, ok := siPrefixFactor[v.SIPrefix]; !ok {
			return Variable{}, fmt.Errorf("%w: %q", ErrUnknownPrefix, string(v.SIPrefix))
		}
	}

	v.Meta = parseMetadata(strings.Split(token, ",")[1:])
	return v, nil
}

// decodeValue 将 7 位十六进制数按偏移二进制解码为有符号整数。
// 编码值是无符号 28 位整数, 减去 2^27 得到以零为中心的有符号值。
func decodeValue(field string) (int64, error) {
	u, err := strconv.ParseUint(field, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadValue, field)
	}
	return int64(u) - valueOffset, nil
}

// parseMetadata 解析尾部元数据令牌; 无法识别的令牌被忽略。
func parseMetadata(tokens []string) Metadata {
	var m Metadata
	for _, token := range tokens {
		if len(token) == 2 && token[0] == '1' {
			if n, err := strconv.ParseInt(token[1:], 16, 8); err == nil {
				m.Status = int(n)
				m.HasStatus = true
			}
		}
		if len(token) == 3 && token[0] == '2' {
			if n, err := strconv.ParseInt(token[1:], 16, 16); err == nil {
				m.Check = int(n)
				m.HasCheck = true
			}
		}
	}
	return m
}
