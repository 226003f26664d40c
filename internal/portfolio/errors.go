package portfolio

import "errors"

var (
	errZeroPortfolioValue   = errors.New("portfolio: account portfolio value is zero")
	errNegativeWeight       = errors.New("portfolio: target weight is negative")
	errWeightsNotNormalized = errors.New("portfolio: target weights do not sum to 1.0 within tolerance")
)
