package orderapi

import (
	"errors"
	"fmt"
	"strings"
)

// Backend error codes surfaced by the order write endpoints. The submission
// classifier keys its recovery behavior on these values.
const (
	// Session / identity.
	CodeSessionExpired = "28001"

	// Stale catalog. The cart no longer matches the live catalog and must be
	// re-priced before another attempt.
	CodeProductNotFound   = "28102"
	CodeSKUNotFound       = "28103"
	CodeItemPriceMissing  = "28104"
	CodeInventoryConflict = "28107"

	// Coupon and promotion failures.
	CodeCouponInvalid      = "28088"
	CodeCouponExpired      = "28089"
	CodeCouponNotClaimable = "28090"

	// Line-item level failures carrying an item reference in MoreInfo.
	CodeItemUnavailable   = "28121"
	CodeItemQuantityLimit = "28122"
	CodeItemNotShippable  = "28123"

	// Price drift between client display and server pricing.
	CodeOrderPriceChanged = "28127"
	CodeItemPriceChanged  = "28128"

	// Payment gateway rejections. The order id assigned by the failed attempt
	// must be discarded before retrying.
	CodePaymentDeclined     = "28133"
	CodeGatewayUnavailable  = "28134"
	CodePaymentGroupInvalid = "28135"

	// Scheduled order rejection.
	CodeScheduleInvalid = "28141"

	// Approval workflow rejection.
	CodeApprovalRequired = "28145"

	// Profile state conflict.
	CodeProfileConflict = "28146"

	// Generic server-side validation failure.
	CodeValidationFailed = "28150"
)

// ErrNotFound reports that the requested order does not exist or is not
// visible to the caller.
var ErrNotFound = errors.New("orderapi: order not found")

// ErrorDetail is one entry of a multi-error server response. MoreInfo carries
// a commerce item id for line-item level codes.
type ErrorDetail struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
	MoreInfo  string `json:"moreInfo,omitempty"`
}

// ServerError is a non-2xx response from the order backend decoded into its
// error envelope. Code holds the top-level error code; Errors holds the
// per-item breakdown when the backend provides one.
type ServerError struct {
	Status  int
	Code    string `json:"errorCode"`
	Message string `json:"message"`
	Errors  []ErrorDetail
}

func (e *ServerError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "orderapi: server error %d", e.Status)
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	return b.String()
}

// PrimaryCode returns the code the caller should classify on: the first
// detail code when present, otherwise the top-level code.
func (e *ServerError) PrimaryCode() string {
	if len(e.Errors) > 0 && e.Errors[0].ErrorCode != "" {
		return e.Errors[0].ErrorCode
	}
	return e.Code
}

// Codes returns every code the response carried, detail codes first in array
// order, then the top-level code. Callers scanning for a known code must walk
// the whole list: the backend does not sort the array by severity.
func (e *ServerError) Codes() []string {
	codes := make([]string, 0, len(e.Errors)+1)
	for _, d := range e.Errors {
		if d.ErrorCode != "" {
			codes = append(codes, d.ErrorCode)
		}
	}
	if e.Code != "" {
		codes = append(codes, e.Code)
	}
	return codes
}

// DetailFor returns the first detail entry matching code, if any.
func (e *ServerError) DetailFor(code string) (ErrorDetail, bool) {
	for _, d := range e.Errors {
		if d.ErrorCode == code {
			return d, true
		}
	}
	return ErrorDetail{}, false
}
