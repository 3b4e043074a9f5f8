package binance

import (
	"encoding/json"
	stderrors "errors"
	"strings"

	"acctsync/internal/core"
)

const (
	apiCodeNewOrderRejected = -2010
	apiCodeCancelRejected   = -2011
	apiCodeOrderNotFound    = -2013
)

var apiErrorMessageKinds = map[string]error{
	"duplicate order sent.":                                  core.ErrDuplicateOrder,
	"account has insufficient balance for requested action.": core.ErrInsufficientBalance,
	"balance is insufficient.":                               core.ErrInsufficientBalance,
	"unknown order sent.":                                    core.ErrOrderNotFound,
	"order does not exist.":                                  core.ErrOrderNotFound,
	"order was canceled or expired.":                         core.ErrOrderExpired,
}

// classifyRequestError joins a failed REST call with the decoded Binance
// error and its core kinds, so callers can match either.
func classifyRequestError(err error) error {
	var reqErr *core.RequestError
	if !stderrors.As(err, &reqErr) || reqErr.Body == "" {
		return err
	}
	var body apiError
	if jsonErr := json.Unmarshal([]byte(reqErr.Body), &body); jsonErr != nil || body.Msg == "" {
		return err
	}
	return joinAPIError(err, APIError{Code: body.Code, Msg: body.Msg})
}

func joinAPIError(cause error, apiErr APIError) error {
	kinds := classifyAPIErrorKinds(apiErr)
	chain := make([]error, 0, 2+len(kinds))
	chain = append(chain, cause, apiErr)
	chain = append(chain, kinds...)
	return stderrors.Join(chain...)
}

func classifyAPIErrorKinds(apiErr APIError) []error {
	kinds := make([]error, 0, 2)
	normalizedMsg := normalizeAPIErrorMsg(apiErr.Msg)

	switch apiErr.Code {
	case apiCodeOrderNotFound, apiCodeCancelRejected:
		kinds = appendErrorKind(kinds, core.ErrOrderNotFound)
	case apiCodeNewOrderRejected:
		if kind, ok := apiErrorMessageKinds[normalizedMsg]; ok {
			kinds = appendErrorKind(kinds, kind)
		} else {
			kinds = appendErrorKind(kinds, core.ErrOrderRejected)
		}
	}

	if kind, ok := apiErrorMessageKinds[normalizedMsg]; ok {
		kinds = appendErrorKind(kinds, kind)
	}
	return kinds
}

func appendErrorKind(kinds []error, kind error) []error {
	for _, existing := range kinds {
		if existing == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}

func normalizeAPIErrorMsg(msg string) string {
	return strings.ToLower(strings.TrimSpace(msg))
}

func AsAPIError(err error) (APIError, bool) {
	var apiErr APIError
	if err == nil || !stderrors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}

func IsAPIErrorCode(err error, codes ...int) bool {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return false
	}
	for _, code := range codes {
		if apiErr.Code == code {
			return true
		}
	}
	return false
}
