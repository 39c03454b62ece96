package okx

import (
	"net/http"
	"strconv"

	"trade_engine/internal/exchange"
)

func httpError(op string, status int, code, msg string) error {
	kind := exchange.KindUnknown
	switch {
	case status == http.StatusTooManyRequests:
		kind = exchange.KindRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = exchange.KindAuth
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		kind = exchange.KindTimeout
	case status >= 500:
		kind = exchange.KindNetwork
	case code != "":
		return codeError(op, code, msg)
	}
	return &exchange.Error{Kind: kind, Venue: venue, Op: op, Code: strconv.Itoa(status), Msg: msg}
}

// codeError maps OKX error codes onto the exchange taxonomy.
func codeError(op, code, msg string) error {
	return &exchange.Error{Kind: kindForCode(op, code), Venue: venue, Op: op, Code: code, Msg: msg}
}

func kindForCode(op, code string) exchange.Kind {
	switch code {
	case "50011", "50061":
		return exchange.KindRateLimit
	case "50001", "50013", "50026":
		return exchange.KindNetwork
	case "50004":
		return exchange.KindTimeout
	case "50100", "50101", "50102", "50103", "50104", "50105", "50111", "50112", "50113", "50114":
		return exchange.KindAuth
	case "51008", "51127", "51131":
		return exchange.KindInsufficientBalance
	case "51000", "51020", "51121", "51201", "51202", "51203":
		return exchange.KindInvalidQuantity
	case "51603", "51001":
		return exchange.KindNotFound
	}
	if op == "place_order" || op == "cancel_order" {
		return exchange.KindOrderRejected
	}
	return exchange.KindUnknown
}
