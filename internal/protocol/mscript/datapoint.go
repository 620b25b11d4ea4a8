package mscript

// DataPoint 约化后的测量采样: 电位 (V) 与电流 (µA)。
// 电流在此处一次性换算为微安, 保存结果时不再缩放。
type DataPoint struct {
	Potential float64
	Current   float64
}

// ExtractDataPoint 从记录中选取电位与电流变量组成采样点。
// 电位取 "ab" (WE vs RE) 或 "da" (Applied potential), 电流取 "ba" 并乘以 1e6。
// 两者缺一则该记录不产生采样点。
func ExtractDataPoint(rec Record) (DataPoint, bool) {
	var dp DataPoint
	var hasPotential, hasCurrent bool
	for _, v := range rec {
		switch v.TypeID {
		case "ab", "da":
			dp.Potential = v.Value()
			hasPotential = true
		case "ba":
			dp.Current = v.Value() * 1e6
			hasCurrent = true
		}
	}
	return dp, hasPotential && hasCurrent
}
