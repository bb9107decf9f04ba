/**
 * @description
 * This file implements the payment method catalog: the static description of
 * each supported payment rail. It is a pure lookup with no side effects; an
 * unknown method is a programmer error surfaced as an error return rather
 * than a condition the caller is expected to recover from at runtime.
 */

package app

import (
	"errors"
	"fmt"

	"github.com/counselhub/token-service/internal/domain"
)

var ErrUnknownPaymentMethod = errors.New("unknown payment method")

// PaymentMethodCatalog resolves display metadata, instructions, and currency
// constraints per rail.
type PaymentMethodCatalog struct {
	methods map[domain.PaymentMethod]domain.PaymentMethodInfo
}

// NewPaymentMethodCatalog builds the catalog of the three supported rails.
func NewPaymentMethodCatalog() *PaymentMethodCatalog {
	methods := map[domain.PaymentMethod]domain.PaymentMethodInfo{
		domain.MethodBankTransfer: {
			Method:            domain.MethodBankTransfer,
			DisplayName:       "Bank Transfer",
			Instructions:      "Transfer the exact amount to the account below and include your reference. Tokens are credited once the transfer is confirmed.",
			CurrencyWhitelist: []string{"USD", "EUR"},
			Latency:           domain.LatencyDelayed,
		},
		domain.MethodPayPal: {
			Method:            domain.MethodPayPal,
			DisplayName:       "PayPal",
			Instructions:      "You will be redirected to PayPal to approve the payment.",
			CurrencyWhitelist: []string{"USD", "EUR", "GBP"},
			Latency:           domain.LatencyInstant,
		},
		domain.MethodCryptoPay: {
			Method:            domain.MethodCryptoPay,
			DisplayName:       "Crypto Pay",
			Instructions:      "Pay with USDT or BTC through our crypto checkout. The charge confirms after network settlement.",
			CurrencyWhitelist: []string{"USD"},
			Latency:           domain.LatencyInstant,
		},
	}
	return &PaymentMethodCatalog{methods: methods}
}

// InfoFor returns the catalog entry for a rail.
func (c *PaymentMethodCatalog) InfoFor(method domain.PaymentMethod) (domain.PaymentMethodInfo, error) {
	info, ok := c.methods[method]
	if !ok {
		return domain.PaymentMethodInfo{}, fmt.Errorf("%w: %q", ErrUnknownPaymentMethod, method)
	}
	return info, nil
}

// List returns every supported rail in a stable order for the public catalog
// endpoint.
func (c *PaymentMethodCatalog) List() []domain.PaymentMethodInfo {
	ordered := []domain.PaymentMethod{domain.MethodBankTransfer, domain.MethodPayPal, domain.MethodCryptoPay}
	infos := make([]domain.PaymentMethodInfo, 0, len(ordered))
	for _, m := range ordered {
		infos = append(infos, c.methods[m])
	}
	return infos
}
