package orders

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseDecs(t *testing.T) {
	var total, fee decimal.Decimal
	err := parseDecs("scan order", decCol{&total, "total", "1250.50"}, decCol{&fee, "shipping_fee", "0"})
	if err != nil {
		t.Fatalf("parseDecs: %v", err)
	}
	if !total.Equal(decimal.RequireFromString("1250.50")) || !fee.IsZero() {
		t.Fatalf("total = %s fee = %s", total, fee)
	}
}

func TestParseDecsRejectsMalformedNumeric(t *testing.T) {
	sum := decimal.RequireFromString("7")
	err := parseDecs("sum verified payments", decCol{&sum, "sum", "abc"})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
	if !sum.Equal(decimal.RequireFromString("7")) {
		t.Fatalf("sum overwritten with %s", sum)
	}
}
