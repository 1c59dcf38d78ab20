package checkout

import (
	"errors"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/clearcart/checkout-api/internal/domain"
	"github.com/clearcart/checkout-api/internal/orderapi"
)

// codeRule is one row of the classification table. The first matching rule
// wins; unmatched codes fall through to the generic rule.
type codeRule struct {
	codes    []string
	recovery RecoveryAction
	// message overrides the server-supplied text when set.
	message string
	// carriesItem marks codes whose detail MoreInfo names a commerce item.
	carriesItem bool
}

var classificationRules = []codeRule{
	{
		codes:    []string{orderapi.CodeSessionExpired},
		recovery: RecoverySessionExpired,
		message:  "your session has expired, please sign in and try again",
	},
	{
		codes: []string{
			orderapi.CodeProductNotFound,
			orderapi.CodeSKUNotFound,
			orderapi.CodeItemPriceMissing,
			orderapi.CodeInventoryConflict,
		},
		recovery: RecoveryReloadCart,
		message:  "some items in your cart have changed, please review your cart",
	},
	{
		codes: []string{
			orderapi.CodeCouponInvalid,
			orderapi.CodeCouponExpired,
			orderapi.CodeCouponNotClaimable,
		},
		recovery: RecoveryDelegateCoupon,
	},
	{
		codes: []string{
			orderapi.CodeItemUnavailable,
			orderapi.CodeItemQuantityLimit,
			orderapi.CodeItemNotShippable,
		},
		recovery:    RecoveryReloadCart,
		carriesItem: true,
	},
	{
		codes: []string{
			orderapi.CodeOrderPriceChanged,
			orderapi.CodeItemPriceChanged,
		},
		recovery: RecoveryRepriceOrder,
		message:  "prices have changed since your cart was displayed",
	},
	{
		codes: []string{
			orderapi.CodePaymentDeclined,
			orderapi.CodeGatewayUnavailable,
			orderapi.CodePaymentGroupInvalid,
		},
		recovery: RecoveryClearOrderID,
	},
	{
		codes:    []string{orderapi.CodeScheduleInvalid},
		recovery: RecoveryNone,
		message:  "the requested schedule could not be applied",
	},
	{
		codes:    []string{orderapi.CodeApprovalRequired},
		recovery: RecoveryNone,
		message:  "this order requires approval before it can be placed",
	},
	{
		codes:    []string{orderapi.CodeProfileConflict},
		recovery: RecoveryNone,
		message:  "your account details changed during checkout, please retry",
	},
}

const genericFailureMessage = "your order could not be placed, please try again"

// Classifier turns backend rejections into shopper notifications. Messages the
// backend supplies are sanitized before display since they can embed markup
// from merchandising data.
type Classifier struct {
	sanitizer *bluemonday.Policy
}

// NewClassifier builds a classifier with a strict text-only sanitizer.
func NewClassifier() *Classifier {
	return &Classifier{sanitizer: bluemonday.StrictPolicy()}
}

// Classify maps err onto the notification for the shopper. It always returns a
// notification for a non-nil error; unknown codes get the generic message with
// no recovery action.
func (c *Classifier) Classify(err error) *Notification {
	if err == nil {
		return nil
	}

	var serverErr *orderapi.ServerError
	if !errors.As(err, &serverErr) {
		if errors.Is(err, orderapi.ErrNotFound) {
			return &Notification{
				Code:     orderapi.CodeValidationFailed,
				Message:  "the order could not be found",
				Recovery: RecoveryClearOrderID,
			}
		}
		return &Notification{
			Code:     orderapi.CodeValidationFailed,
			Message:  genericFailureMessage,
			Recovery: RecoveryNone,
		}
	}

	// The backend stacks every violation into the error array; the first code
	// with a special classification wins, wherever it sits in the array.
	for _, code := range serverErr.Codes() {
		rule, ok := ruleFor(code)
		if !ok {
			continue
		}
		n := &Notification{Code: code, Recovery: rule.recovery}
		if rule.carriesItem {
			if detail, ok := serverErr.DetailFor(code); ok {
				n.ItemID = detail.MoreInfo
				n.Message = c.itemMessage(detail)
			}
		}
		if n.Message == "" {
			n.Message = rule.message
		}
		if n.Message == "" {
			n.Message = c.sanitize(serverErr.Message)
		}
		if n.Message == "" {
			n.Message = genericFailureMessage
		}
		return n
	}

	message := c.sanitize(serverErr.Message)
	if message == "" {
		message = genericFailureMessage
	}
	return &Notification{Code: serverErr.PrimaryCode(), Message: message, Recovery: RecoveryNone}
}

func ruleFor(code string) (codeRule, bool) {
	for _, rule := range classificationRules {
		for _, ruleCode := range rule.codes {
			if ruleCode == code {
				return rule, true
			}
		}
	}
	return codeRule{}, false
}

// ClassifyGroup builds the notification for a payment group the backend
// reported as failed. The order itself stays usable; discarding the order id
// is reserved for the gateway-level codes in the classification table.
func (c *Classifier) ClassifyGroup(group domain.PaymentGroup) *Notification {
	message := c.sanitize(group.Message)
	if message == "" {
		message = "your payment could not be processed"
	}
	return &Notification{
		Code:     orderapi.CodePaymentDeclined,
		Message:  message,
		Recovery: RecoveryNone,
	}
}

func (c *Classifier) itemMessage(detail orderapi.ErrorDetail) string {
	message := c.sanitize(detail.Message)
	if message == "" {
		return ""
	}
	if detail.MoreInfo != "" && !strings.Contains(message, detail.MoreInfo) {
		return fmt.Sprintf("%s (item %s)", message, detail.MoreInfo)
	}
	return message
}

func (c *Classifier) sanitize(raw string) string {
	return strings.TrimSpace(c.sanitizer.Sanitize(raw))
}
