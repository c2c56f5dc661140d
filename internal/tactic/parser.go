// Package tactic turns the freeform tactic-string column of a sheet intent
// row into a typed contract shape (§4.1).
package tactic

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/tradeengine/internal/models"
	"github.com/go-playground/validator/v10"
)

// ErrParse is the sentinel wrapped by every parse failure, so callers can
// classify the error kind without string matching (§7: "parse" error kind).
var ErrParse = fmt.Errorf("tactic parse error")

var monthAbbrev = map[string]int{
	"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
	"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
}

var validate = validator.New()

// ParsedTactic is a struct-tag-validated intermediate shape, checked by
// go-playground/validator before it is converted into a models.Contract —
// cheap structural checks ahead of the semantic Parse logic below.
type ParsedTactic struct {
	SecType models.SecType `validate:"required,oneof=STK OPT BAG CASH"`
	Symbol  string         `validate:"required"`
}

// Parse classifies a tactic string + symbol into a models.Contract. now is
// the reference instant used to resolve an omitted year (normally
// time.Now(), passed explicitly so callers can test deterministically).
func Parse(tacticText, symbol string, now time.Time) (models.Contract, error) {
	text := strings.ToUpper(strings.TrimSpace(tacticText))
	sym := strings.ToUpper(strings.TrimSpace(symbol))

	var contract models.Contract
	switch {
	case strings.HasSuffix(sym, "USD") && len(sym) > 3:
		contract = models.Contract{
			SecType:  models.SecCash,
			Symbol:   strings.TrimSuffix(sym, "USD"),
			Exchange: "IDEALPRO",
		}
	case strings.Contains(text, "STOCK"):
		c, err := parseStock(text, sym)
		if err != nil {
			return models.Contract{}, err
		}
		contract = c
	case isBag(text):
		c, err := parseBag(text, sym, now)
		if err != nil {
			return models.Contract{}, err
		}
		contract = c
	default:
		c, err := parseOption(text, sym, now)
		if err != nil {
			return models.Contract{}, err
		}
		contract = c
	}

	if err := validate.Struct(ParsedTactic{SecType: contract.SecType, Symbol: sym}); err != nil {
		return models.Contract{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return contract, nil
}

func isBag(text string) bool {
	hasSeparator := strings.Contains(text, "/") || strings.Contains(text, ",")
	hasQtyMarker := strings.Contains(text, "X")
	return hasSeparator && hasQtyMarker
}

// StockDirection is the long/short direction of a parsed STOCK tactic.
type StockDirection int

// StockDirection values.
const (
	StockLong StockDirection = iota
	StockShort
)

func parseStock(text, symbol string) (models.Contract, error) {
	var right models.Right
	switch {
	case strings.Contains(text, "LONG"):
		right = models.RightCall // derived marker for long, per §4.1
	case strings.Contains(text, "SHORT"):
		right = models.RightPut // derived marker for short, per §4.1
	default:
		return models.Contract{}, fmt.Errorf("%w: STOCK tactic %q has neither LONG nor SHORT", ErrParse, text)
	}
	return models.Contract{SecType: models.SecStock, Symbol: symbol, Right: right}, nil
}

func parseOption(text, symbol string, now time.Time) (models.Contract, error) {
	tokens := strings.Fields(text)
	month, day, year, strike, right, consumed, err := parseMonthDayYearStrike(tokens, now)
	if err != nil {
		return models.Contract{}, fmt.Errorf("%w: option tactic %q: %v", ErrParse, text, err)
	}
	if consumed != len(tokens) {
		return models.Contract{}, fmt.Errorf("%w: option tactic %q has unexpected trailing tokens", ErrParse, text)
	}
	expiry := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return models.Contract{
		SecType: models.SecOpt,
		Symbol:  symbol,
		Strike:  strike,
		Right:   right,
		Expiry:  expiry,
	}, nil
}

func parseBag(text, symbol string, now time.Time) (models.Contract, error) {
	sep := ","
	if strings.Contains(text, "/") {
		sep = "/"
	}
	rawLegs := strings.Split(text, sep)
	legs := make([]models.Leg, 0, len(rawLegs))
	for i, raw := range rawLegs {
		leg, err := parseLeg(strings.TrimSpace(raw), now)
		if err != nil {
			return models.Contract{}, fmt.Errorf("%w: leg %d of BAG tactic %q: %v", ErrParse, i, text, err)
		}
		leg.Sequence = i
		leg.Symbol = symbol
		legs = append(legs, leg)
	}
	if len(legs) == 0 {
		return models.Contract{}, fmt.Errorf("%w: BAG tactic %q has no legs", ErrParse, text)
	}
	normalizeRatios(legs)
	return models.Contract{SecType: models.SecBag, Symbol: symbol, Legs: legs}, nil
}

// normalizeRatios reduces each leg's raw per-contract quantity (parsed into
// Ratio) to its lowest-terms ratio via the GCD across all legs, e.g. two
// legs each quoted "x5" become ratio 1:1, not 5:5.
func normalizeRatios(legs []models.Leg) {
	g := legs[0].Ratio
	for _, l := range legs[1:] {
		g = gcd(g, l.Ratio)
	}
	if g <= 1 {
		return
	}
	for i := range legs {
		legs[i].Ratio /= g
	}
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	if a < 0 {
		return -a
	}
	return a
}

func parseLeg(text string, now time.Time) (models.Leg, error) {
	tokens := strings.Fields(text)
	if len(tokens) < 1 {
		return models.Leg{}, fmt.Errorf("empty leg")
	}

	var action models.Action
	switch tokens[0] {
	case "BOT":
		action = models.ActionBuy
	case "SLD":
		action = models.ActionSell
	default:
		return models.Leg{}, fmt.Errorf("leg action must be BOT or SLD, got %q", tokens[0])
	}

	month, day, year, strike, right, consumed, err := parseMonthDayYearStrike(tokens[1:], now)
	if err != nil {
		return models.Leg{}, err
	}
	rest := tokens[1+consumed:]
	if len(rest) != 1 {
		return models.Leg{}, fmt.Errorf("expected a single quantity token after strike, got %d trailing tokens", len(rest))
	}
	qty, err := parseQty(rest[0])
	if err != nil {
		return models.Leg{}, err
	}

	expiry := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return models.Leg{
		Action: action,
		Ratio:  qty,
		Strike: strike,
		Right:  right,
		Expiry: expiry,
	}, nil
}

// parseMonthDayYearStrike consumes a MONTHDAY-or-MONTH-DAY token run,
// an optional 4-digit YEAR token, and a "$<strike><C|P>" token from the
// front of tokens, returning the number of tokens consumed. Mirrors
// get_parsed_bag_tactic / get_parsed_option_tactic in the original
// implementation: when no explicit year is given, it defaults to now's
// year, advancing one year if now's month is already past the parsed
// month (a tactic entered in December for a January expiry means next
// January, not the one that already passed).
func parseMonthDayYearStrike(tokens []string, now time.Time) (month, day, year int, strike float64, right models.Right, consumed int, err error) {
	if len(tokens) == 0 {
		return 0, 0, 0, 0, "", 0, fmt.Errorf("missing month/day")
	}

	idx := 0
	digits := digitsOf(tokens[idx])
	var monthAbv string
	if digits != "" {
		monthAbv = lettersOf(tokens[idx])
		day, err = strconv.Atoi(digits)
		if err != nil {
			return 0, 0, 0, 0, "", 0, fmt.Errorf("invalid day in %q", tokens[idx])
		}
		idx++
	} else {
		monthAbv = tokens[idx]
		idx++
		if idx >= len(tokens) {
			return 0, 0, 0, 0, "", 0, fmt.Errorf("missing day after month %q", monthAbv)
		}
		day, err = strconv.Atoi(digitsOf(tokens[idx]))
		if err != nil {
			return 0, 0, 0, 0, "", 0, fmt.Errorf("invalid day token %q", tokens[idx])
		}
		idx++
	}

	m, ok := monthAbbrev[trimToThree(monthAbv)]
	if !ok {
		return 0, 0, 0, 0, "", 0, fmt.Errorf("unrecognized month abbreviation %q", monthAbv)
	}
	month = m

	year = now.Year()
	if idx < len(tokens) && len(tokens[idx]) == 4 && isAllDigits(tokens[idx]) {
		year, err = strconv.Atoi(tokens[idx])
		if err != nil {
			return 0, 0, 0, 0, "", 0, fmt.Errorf("invalid year token %q", tokens[idx])
		}
		idx++
	} else if int(now.Month()) > month {
		year++
	}

	if idx >= len(tokens) {
		return 0, 0, 0, 0, "", 0, fmt.Errorf("missing strike token")
	}
	strikeTok := tokens[idx]
	idx++

	switch {
	case strings.HasSuffix(strikeTok, "C"):
		right = models.RightCall
	case strings.HasSuffix(strikeTok, "P"):
		right = models.RightPut
	default:
		return 0, 0, 0, 0, "", 0, fmt.Errorf("strike token %q must end in C or P", strikeTok)
	}

	strike, err = strconv.ParseFloat(digitsAndDotOf(strikeTok), 64)
	if err != nil {
		return 0, 0, 0, 0, "", 0, fmt.Errorf("invalid strike token %q: %w", strikeTok, err)
	}

	return month, day, year, strike, right, idx, nil
}

func parseQty(tok string) (int, error) {
	t := strings.TrimPrefix(strings.ToUpper(tok), "X")
	n, err := strconv.Atoi(digitsOf(t))
	if err != nil {
		return 0, fmt.Errorf("invalid quantity token %q: %w", tok, err)
	}
	return n, nil
}

func trimToThree(s string) string {
	if len(s) <= 3 {
		return s
	}
	return s[:3]
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func digitsAndDotOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func lettersOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < '0' || r > '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
