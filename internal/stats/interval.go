package stats

// LatencyInterval is the running view printed after each pong.
type LatencyInterval struct {
	Latency uint64  `json:"latency"`
	Ave     float64 `json:"latency_ave"`
	Std     float64 `json:"latency_std"`
	Min     uint64  `json:"latency_min"`
	Max     uint64  `json:"latency_max"`
}

// ThroughputInterval is one subscriber reporting period.
type ThroughputInterval struct {
	Packets     uint64  `json:"packets"`
	PPS         uint64  `json:"packets/s"`
	PPSAve      float64 `json:"packets/s_ave"`
	BPS         uint64  `json:"-"`
	BPSAve      float64 `json:"-"`
	Lost        uint64  `json:"lost"`
	LostPercent float64 `json:"lost_percent"`
}

// Mbps converts BPS to megabits per second.
func (i ThroughputInterval) Mbps() float64 {
	return float64(i.BPS) * 8.0 / 1000.0 / 1000.0
}

// MbpsAve converts BPSAve to megabits per second.
func (i ThroughputInterval) MbpsAve() float64 {
	return i.BPSAve * 8.0 / 1000.0 / 1000.0
}

// RunningAverage keeps ave += (x-ave)/n over a phase.
type RunningAverage struct {
	n   uint64
	ave float64
}

func (r *RunningAverage) Add(x float64) float64 {
	r.n++
	r.ave += (x - r.ave) / float64(r.n)
	return r.ave
}

func (r *RunningAverage) Value() float64 { return r.ave }

func (r *RunningAverage) Reset() {
	r.n, r.ave = 0, 0
}
