package scanner

import (
	"time"

	"marginx/internal/application/service"
)

// Report 一次扫描的统计
type Report struct {
	At        time.Time
	Duration  time.Duration
	Symbols   int
	Positions int
	Skipped   []string // price unavailable this tick
	Evaluated int
	Closed    int
	Conflicts int // lost the close race, benign
	Failed    int
	Closes    []service.CloseResult
}

func (r *Report) add(evaluated int, results []service.CloseResult) {
	r.Evaluated += evaluated
	for _, res := range results {
		switch {
		case res.Err != nil:
			r.Failed++
		case res.AlreadyClosed:
			r.Conflicts++
		default:
			r.Closed++
		}
		r.Closes = append(r.Closes, res)
	}
}
