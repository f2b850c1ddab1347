package perf

import (
	"errors"
	"math"
)

// ErrSingular is returned when the normal-equation matrix cannot be
// solved, typically because the training features are collinear or
// there are fewer samples than coefficients.
var ErrSingular = errors.New("perf: singular regression matrix")

// LinearModel is a multiple linear regression fit by the closed-form
// normal equations. Coefficients[0] is the intercept.
type LinearModel struct {
	Coefficients []float64 `json:"coefficients"`
	R2           float64   `json:"r2"`
}

// FitLinear solves (XᵀX)β = Xᵀy with an implicit intercept column.
// Every row of x must have the same length. R² is reported as computed
// and may legitimately be negative on poor fits.
func FitLinear(x [][]float64, y []float64) (*LinearModel, error) {
	n := len(x)
	if n == 0 || n != len(y) {
		return nil, errors.New("perf: empty or mismatched training data")
	}
	k := len(x[0]) + 1 // intercept

	// Build XᵀX and Xᵀy directly; the design matrix is never
	// materialized.
	xtx := make([][]float64, k)
	for i := range xtx {
		xtx[i] = make([]float64, k)
	}
	xty := make([]float64, k)

	row := make([]float64, k)
	for s := 0; s < n; s++ {
		if len(x[s]) != k-1 {
			return nil, errors.New("perf: ragged feature rows")
		}
		row[0] = 1
		copy(row[1:], x[s])
		for i := 0; i < k; i++ {
			for j := 0; j < k; j++ {
				xtx[i][j] += row[i] * row[j]
			}
			xty[i] += row[i] * y[s]
		}
	}

	beta, err := solve(xtx, xty)
	if err != nil {
		return nil, err
	}

	model := &LinearModel{Coefficients: beta}

	mean := 0.0
	for _, v := range y {
		mean += v
	}
	mean /= float64(n)

	var ssRes, ssTot float64
	for s := 0; s < n; s++ {
		pred := model.Predict(x[s])
		ssRes += (y[s] - pred) * (y[s] - pred)
		ssTot += (y[s] - mean) * (y[s] - mean)
	}
	if ssTot > 0 {
		model.R2 = 1 - ssRes/ssTot
	} else if ssRes == 0 {
		model.R2 = 1
	}
	return model, nil
}

// Predict evaluates the model on one feature row.
func (m *LinearModel) Predict(features []float64) float64 {
	out := m.Coefficients[0]
	for i, f := range features {
		if i+1 < len(m.Coefficients) {
			out += m.Coefficients[i+1] * f
		}
	}
	return out
}

// solve runs Gaussian elimination with partial pivoting on a copy of
// the inputs.
func solve(a [][]float64, b []float64) ([]float64, error) {
	k := len(a)
	m := make([][]float64, k)
	for i := range m {
		m[i] = make([]float64, k+1)
		copy(m[i], a[i])
		m[i][k] = b[i]
	}

	for col := 0; col < k; col++ {
		pivot := col
		for r := col + 1; r < k; r++ {
			if math.Abs(m[r][col]) > math.Abs(m[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(m[pivot][col]) < 1e-12 {
			return nil, ErrSingular
		}
		m[col], m[pivot] = m[pivot], m[col]

		for r := col + 1; r < k; r++ {
			f := m[r][col] / m[col][col]
			for c := col; c <= k; c++ {
				m[r][c] -= f * m[col][c]
			}
		}
	}

	out := make([]float64, k)
	for row := k - 1; row >= 0; row-- {
		sum := m[row][k]
		for c := row + 1; c < k; c++ {
			sum -= m[row][c] * out[c]
		}
		out[row] = sum / m[row][row]
	}
	return out, nil
}
