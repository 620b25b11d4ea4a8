package mscript

// VarType 描述一种遥测变量: 两字符 id、人类可读名称与物理单位符号
type VarType struct {
	ID   string
	Name string
	Unit string
}

// 设备变量目录 (固定编译内置表)
var varTypeList = []VarType{
	{"aa", "unknown", ""},
	{"ab", "WE vs RE potential", "V"},
	{"ac", "CE vs GND potential", "V"},
	{"ad", "SE vs GND potential", "V"},
	{"ae", "RE vs GND potential", "V"},
	{"af", "WE vs GND potential", "V"},
	{"ag", "WE vs CE potential", "V"},
	{"as", "AIN0 potential", "V"},
	{"at", "AIN1 potential", "V"},
	{"au", "AIN2 potential", "V"},
	{"av", "AIN3 potential", "V"},
	{"aw", "AIN4 potential", "V"},
	{"ax", "AIN5 potential", "V"},
	{"ay", "AIN6 potential", "V"},
	{"az", "AIN7 potential", "V"},
	{"ba", "WE current", "A"},
	{"ca", "Phase", "degrees"},
	{"cb", "Impedance", "Ω"},
	{"cc", "Z_real", "Ω"},
	{"cd", "Z_imag", "Ω"},
	{"ce", "EIS E TDD", "V"},
	{"cf", "EIS I TDD", "A"},
	{"cg", "EIS sampling frequency", "Hz"},
	{"ch", "EIS E AC", "Vrms"},
	{"ci", "EIS E DC", "V"},
	{"cj", "EIS I AC", "Arms"},
	{"ck", "EIS I DC", "A"},
	{"da", "Applied potential", "V"},
	{"db", "Applied current", "A"},
	{"dc", "Applied frequency", "Hz"},
	{"dd", "Applied AC amplitude", "Vrms"},
	{"ea", "Channel", ""},
	{"eb", "Time", "s"},
	{"ec", "Pin mask", ""},
	{"ed", "Temperature", "° Celsius"},
	{"ee", "Count", ""},
	{"ha", "Generic current 1", "A"},
	{"hb", "Generic current 2", "A"},
	{"hc", "Generic current 3", "A"},
	{"hd", "Generic current 4", "A"},
	{"ia", "Generic potential 1", "V"},
	{"ib", "Generic potential 2", "V"},
	{"ic", "Generic potential 3", "V"},
	{"id", "Generic potential 4", "V"},
	{"ja", "Misc. generic 1", ""},
	{"jb", "Misc. generic 2", ""},
	{"jc", "Misc. generic 3", ""},
	{"jd", "Misc. generic 4", ""},
}

var varTypeIndex = buildVarTypeIndex()

func buildVarTypeIndex() map[string]VarType {
	m := make(map[string]VarType, len(varTypeList))
	for _, vt := range varTypeList {
		m[vt.ID] = vt
	}
	return m
}

// LookupVarType 按 id 查找变量类型。
// 未知 id 返回名称为 "unknown" 的占位类型与 false (由调用方记录告警, 不视为错误)。
func LookupVarType(id string) (VarType, bool) {
	if vt, ok := varTypeIndex[id]; ok {
		return vt, true
	}
	return VarType{ID: id, Name: "unknown", Unit: ""}, false
}
