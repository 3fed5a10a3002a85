package cartwin

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// flatVariance is the temperature variance below which temperature carries no
// signal and the fit falls back to lap only.
const flatVariance = 1e-6

// regressionRate estimates d(wear)/d(lap) from the stint's samples by least
// squares on lap and track temperature. It reports false with fewer than
// minRegressionSamples samples.
func regressionRate(ws []wearPoint) (float64, bool) {
	n := len(ws)
	if n < minRegressionSamples {
		return 0, false
	}

	laps := make([]float64, n)
	temps := make([]float64, n)
	wear := make([]float64, n)
	for i, w := range ws {
		laps[i] = float64(w.lap)
		temps[i] = w.temp
		wear[i] = w.wear
	}
	if stat.Variance(laps, nil) == 0 {
		return 0, false
	}

	if n > minRegressionSamples && stat.Variance(temps, nil) > flatVariance {
		if rate, ok := fitLapAndTemp(laps, temps, wear); ok {
			return rate, true
		}
	}
	_, beta := stat.LinearRegression(laps, wear, nil, false)
	return beta, true
}

// fitLapAndTemp solves wear = b0 + b1*lap + b2*temp and returns b1.
func fitLapAndTemp(laps, temps, wear []float64) (float64, bool) {
	n := len(laps)
	x := mat.NewDense(n, 3, nil)
	for i := range n {
		x.Set(i, 0, 1)
		x.Set(i, 1, laps[i])
		x.Set(i, 2, temps[i])
	}
	y := mat.NewVecDense(n, wear)

	var beta mat.VecDense
	if err := beta.SolveVec(x, y); err != nil {
		return 0, false
	}
	return beta.AtVec(1), true
}

func mean(xs []float64) float64 {
	return stat.Mean(xs, nil)
}
