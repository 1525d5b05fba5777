package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// MaxQuantity caps a single line so totals stay within int64 minor units.
	MaxQuantity = 100_000
	// maxExponent bounds scientific notation; rounding rescales the coefficient by the exponent.
	maxExponent = 20
)

var (
	// ErrValidation marks input rejected at the caller boundary.
	ErrValidation = errors.New("validation failed")

	emailPattern   = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	numericPrefix  = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?`)
	hundred        = decimal.NewFromInt(100)
	maxQuantityDec = decimal.NewFromInt(MaxQuantity)
)

// LooseNumber keeps the raw text of a JSON number or string so that coercion happens in one place.
// null, booleans, objects and unparsable text all decode without error.
type LooseNumber string

// UnmarshalJSON implements json.Unmarshaler.
func (n *LooseNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = LooseNumber(s)
		return nil
	}
	if len(data) > 0 && (data[0] == '-' || (data[0] >= '0' && data[0] <= '9')) {
		*n = LooseNumber(data)
		return nil
	}
	*n = ""
	return nil
}

// Decimal parses the leading numeric part of the value. An exponent beyond ±20 counts as
// unparsable.
func (n LooseNumber) Decimal() (decimal.Decimal, bool) {
	groups := numericPrefix.FindStringSubmatch(strings.TrimSpace(string(n)))
	if groups == nil || groups[0] == "" {
		return decimal.Zero, false
	}
	if exp := groups[3]; exp != "" {
		e, err := strconv.Atoi(exp[1:])
		if err != nil || e > maxExponent || e < -maxExponent {
			return decimal.Zero, false
		}
	}
	d, err := decimal.NewFromString(groups[0])
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// LineItemInput is one raw cart line.
type LineItemInput struct {
	ProductID    string
	ProductTitle string
	VersionTitle string
	UnitPrice    LooseNumber
	Quantity     LooseNumber
}

// PricedItems is the calculator output.
type PricedItems struct {
	Items []OrderItem
	Total decimal.Decimal
}

// CoerceQuantity truncates to an integer and clamps into [1, MaxQuantity].
func CoerceQuantity(raw LooseNumber) int64 {
	d, ok := raw.Decimal()
	if !ok {
		return 1
	}
	d = d.Truncate(0)
	if d.LessThan(decimal.NewFromInt(1)) {
		return 1
	}
	if d.GreaterThan(maxQuantityDec) {
		return MaxQuantity
	}
	return d.IntPart()
}

// CoercePrice clamps negative or unparsable prices to zero.
func CoercePrice(raw LooseNumber) decimal.Decimal {
	d, ok := raw.Decimal()
	if !ok || d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// PriceItems computes line totals and the order total. Each line is rounded to cents and the sum is
// rounded again, so stored totals always equal the sum of stored line totals.
func PriceItems(inputs []LineItemInput) (PricedItems, error) {
	if len(inputs) == 0 {
		return PricedItems{}, validationError("at least one item is required")
	}
	items := make([]OrderItem, 0, len(inputs))
	total := decimal.Zero
	for i, in := range inputs {
		title := strings.TrimSpace(in.ProductTitle)
		if title == "" {
			return PricedItems{}, validationError("items[%d].productTitle is required", i)
		}
		price := CoercePrice(in.UnitPrice)
		qty := CoerceQuantity(in.Quantity)
		line := price.Mul(decimal.NewFromInt(qty)).Round(2)
		total = total.Add(line)
		items = append(items, OrderItem{
			ProductID:    strings.TrimSpace(in.ProductID),
			ProductTitle: title,
			VersionTitle: strings.TrimSpace(in.VersionTitle),
			UnitPrice:    price,
			Quantity:     qty,
			LineTotal:    line,
		})
	}
	return PricedItems{Items: items, Total: total.Round(2)}, nil
}

// ValidateCustomer checks the contact fields every order needs.
func ValidateCustomer(fullName, email string) error {
	if strings.TrimSpace(fullName) == "" {
		return validationError("fullName is required")
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return validationError("email is required")
	}
	if !emailPattern.MatchString(email) {
		return validationError("email is invalid")
	}
	return nil
}

// MinorUnits converts an amount to cents, rounding half away from zero.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}
