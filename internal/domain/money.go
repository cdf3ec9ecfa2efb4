package domain

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var moneyPrinter = message.NewPrinter(language.English)

// FormatUSD renders v as US dollars with thousands separators and exactly
// decimals fraction digits, e.g. "$52,500.00" or "-$4,200".
func FormatUSD(v float64, decimals int) string {
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	s := moneyPrinter.Sprint(number.Decimal(v, number.Scale(decimals)))
	if sign != "" && isZero(s) {
		sign = ""
	}
	return sign + "$" + s
}

func isZero(s string) bool {
	for _, r := range s {
		if r != '0' && r != '.' && r != ',' {
			return false
		}
	}
	return true
}
