package signal

import "errors"

var (
	errAllStrategiesFailed     = errors.New("signal: all configured strategies failed evaluation")
	errMinStrategiesNotMet     = errors.New("signal: fewer strategies survived than min_strategies_for_partial requires")
	errWeightNegative          = errors.New("signal: strategy weight is negative")
	errDuplicateSymbol         = errors.New("signal: duplicate symbol after normalization")
	errAllDust                 = errors.New("signal: every symbol fell below the dust threshold")
	errZeroShareTotal          = errors.New("signal: strategy allocation shares sum to zero")
	errWeightOutOfRange        = errors.New("signal: consolidated weight outside [0,1]")
	errWeightSumOutOfTolerance = errors.New("signal: consolidated weights do not sum to 1.0 within tolerance")
)
