package trading

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ksred/klear-broker/internal/types"
	"github.com/ksred/klear-broker/pkg/apperr"
	"github.com/shopspring/decimal"
)

// OrderRequest is the client submission body for POST /orders.
type OrderRequest struct {
	Broker      string           `json:"broker" validate:"required"`
	Symbol      string           `json:"symbol" validate:"required,symbol"`
	Side        string           `json:"side" validate:"required,oneof=buy sell"`
	OrderType   string           `json:"order_type" validate:"required,oneof=market limit"`
	Quantity    decimal.Decimal  `json:"quantity"`
	LimitPrice  *decimal.Decimal `json:"limit_price,omitempty"`
	TimeInForce string           `json:"time_in_force" validate:"omitempty,oneof=day gtc ioc fok"`
	Metadata    json.RawMessage  `json:"metadata,omitempty"`
}

// Result is the outcome of a submission. Cached marks an idempotent replay
// and Accepted marks an order queued for asynchronous execution.
type Result struct {
	Order    *types.Order `json:"order"`
	Cached   bool         `json:"cached"`
	Accepted bool         `json:"accepted"`
}

const maxIdempotencyKeyLength = 128

var symbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9.]{0,9}$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("symbol", func(fl validator.FieldLevel) bool {
		return symbolPattern.MatchString(fl.Field().String())
	})
	return v
}

func (r *OrderRequest) normalize() {
	r.Broker = strings.ToLower(strings.TrimSpace(r.Broker))
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.Side = strings.ToLower(strings.TrimSpace(r.Side))
	r.OrderType = strings.ToLower(strings.TrimSpace(r.OrderType))
	r.TimeInForce = strings.ToLower(strings.TrimSpace(r.TimeInForce))
	if r.TimeInForce == "" {
		r.TimeInForce = types.TimeInForceDay
	}
}

// validate checks the request and returns a ValidationError listing every
// offending field.
func (r *OrderRequest) validate(v *validator.Validate, maxQuantity decimal.Decimal) error {
	var fields []apperr.FieldError

	if err := v.Struct(r); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		for _, fe := range verrs {
			fields = append(fields, apperr.FieldError{Field: fe.Field(), Message: fieldMessage(fe)})
		}
	}

	switch {
	case !r.Quantity.IsPositive():
		fields = append(fields, apperr.FieldError{Field: "quantity", Message: "must be greater than zero"})
	case r.Quantity.GreaterThan(maxQuantity):
		fields = append(fields, apperr.FieldError{Field: "quantity", Message: "must not exceed " + maxQuantity.String()})
	}

	if r.OrderType == types.OrderTypeLimit {
		if r.LimitPrice == nil || !r.LimitPrice.IsPositive() {
			fields = append(fields, apperr.FieldError{Field: "limit_price", Message: "is required and must be positive for limit orders"})
		}
	} else if r.LimitPrice != nil && !r.LimitPrice.IsPositive() {
		fields = append(fields, apperr.FieldError{Field: "limit_price", Message: "must be positive"})
	}

	if len(r.Metadata) > 0 && !json.Valid(r.Metadata) {
		fields = append(fields, apperr.FieldError{Field: "metadata", Message: "must be valid JSON"})
	}

	if len(fields) > 0 {
		return apperr.Validation(fields...)
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "symbol":
		return "must match " + symbolPattern.String()
	default:
		return "is invalid"
	}
}
