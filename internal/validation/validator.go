package validation

import (
	"fmt"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/custody"
	"github.com/imrishuroy/go-cryptopay-orderflow/internal/orders"
)

// New returns a configured validator with the custom tags and struct-level
// rules registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	_ = v.RegisterValidation("payment_method", func(fl validatorv10.FieldLevel) bool {
		_, err := custody.ParseMethod(fl.Field().String())
		return err == nil
	})

	v.RegisterStructValidation(createOrderStructValidation, CreateOrderRequest{})
	v.RegisterStructValidation(notificationStructValidation, NotificationPayload{})

	return v
}

// createOrderStructValidation rejects a product listed twice.
func createOrderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateOrderRequest)

	seen := make(map[string]struct{}, len(req.Items))
	for _, it := range req.Items {
		if _, dup := seen[it.ProductID]; dup {
			sl.ReportError(req.Items, "items", "Items", "unique_products", fmt.Sprintf("product %s listed twice", it.ProductID))
			return
		}
		seen[it.ProductID] = struct{}{}
	}
}

// notificationStructValidation requires a strictly positive amount that can
// be stored exactly.
func notificationStructValidation(sl validatorv10.StructLevel) {
	n := sl.Current().Interface().(NotificationPayload)
	if !n.Amount.IsPositive() {
		sl.ReportError(n.Amount, "amount", "Amount", "positive_amount", n.Amount.String())
		return
	}
	if err := orders.CheckAmount(n.Amount); err != nil {
		sl.ReportError(n.Amount, "amount", "Amount", "amount_range", n.Amount.String())
	}
}
