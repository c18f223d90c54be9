package schema

import (
	"strings"

	"github.com/quantrelay/tradecore/errs"
)

// JoinSymbol builds the composite "{symbol}.{venue}" key used across the
// state store and router.
func JoinSymbol(symbol, venue string) string {
	return strings.TrimSpace(symbol) + "." + strings.TrimSpace(venue)
}

// SplitSymbol decomposes a composite key into symbol and venue. The venue is
// everything after the last dot so symbols may themselves contain dots.
func SplitSymbol(composite string) (symbol, venue string, err error) {
	trimmed := strings.TrimSpace(composite)
	idx := strings.LastIndex(trimmed, ".")
	if idx <= 0 || idx == len(trimmed)-1 {
		return "", "", errs.New("", errs.CodeInvalid,
			errs.WithMessage("composite symbol must take the form {symbol}.{venue}"))
	}
	return trimmed[:idx], trimmed[idx+1:], nil
}
