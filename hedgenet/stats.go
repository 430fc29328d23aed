package hedgenet

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// StepRewards computes the gross return of every step outside the graph.
// actions holds window+1 rows, row t being the position held over step t;
// returns holds window rows of per asset return rates.
func StepRewards(actions, returns [][]float64, fee float64) []float64 {
	rewards := make([]float64, len(returns))
	for t, z := range returns {
		held, next := actions[t], actions[t+1]
		turnover := make([]float64, len(held))
		floats.SubTo(turnover, next, held)
		rewards[t] = floats.Dot(z, held) - fee*floats.Norm(turnover, 1)
	}
	return rewards
}

func LogRewards(rewards []float64) []float64 {
	logs := make([]float64, len(rewards))
	for i, r := range rewards {
		logs[i] = math.Log(r)
	}
	return logs
}

// CumulativeReward is the compounded product of the step rewards.
func CumulativeReward(rewards []float64) float64 {
	if len(rewards) == 0 {
		return 1
	}
	return floats.Prod(rewards)
}

func CumulativeLogReward(rewards []float64) float64 {
	return floats.Sum(LogRewards(rewards))
}

func MeanLogReward(rewards []float64) float64 {
	return stat.Mean(LogRewards(rewards), nil)
}

// SharpeRatio is the mean excess of logReturns over rf divided by their
// population variance, or by the standard deviation when stdDev is set.
func SharpeRatio(logReturns []float64, rf float64, stdDev bool) float64 {
	excess := make([]float64, len(logReturns))
	copy(excess, logReturns)
	floats.AddConst(-rf, excess)
	mean, std := stat.PopMeanStdDev(excess, nil)
	if stdDev {
		return mean / std
	}
	return mean / (std * std)
}

// SortinoRatio divides the mean excess over target by the root mean square of
// the returns at or below target. It is NaN when no return is at or below
// target.
func SortinoRatio(logReturns []float64, target float64) float64 {
	var squares, count float64
	for _, r := range logReturns {
		if r <= target {
			squares += r * r
			count++
		}
	}
	return (stat.Mean(logReturns, nil) - target) / math.Sqrt(squares/count)
}
