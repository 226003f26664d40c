package execution

import "errors"

var (
	errInvalidTradeMessage = errors.New("execution: trade message failed structural validation")
	errQuoteInvalid        = errors.New("execution: quote failed bid/ask sanity check")
)
