package cronexpr

import (
	"fmt"
	"strconv"
	"strings"
)

var descriptors = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

// Describe renders a short human summary of expr. Unrecognized shapes come back
// unchanged; malformed expressions yield "Invalid expression".
func Describe(expr string) string {
	expr = strings.TrimSpace(expr)
	if !Validate(expr) {
		return "Invalid expression"
	}
	fields := strings.Fields(expr)
	if len(fields) == 1 {
		std, ok := descriptors[fields[0]]
		if !ok {
			return expr
		}
		fields = strings.Fields(std)
	}
	if len(fields) != 5 {
		return "Invalid expression"
	}
	minute, hour, dom, month, dow := fields[0], fields[1], fields[2], fields[3], fields[4]
	anyDay := dom == "*" && month == "*"

	switch {
	case minute == "*" && hour == "*" && anyDay && dow == "*":
		return "Every minute"
	case strings.HasPrefix(minute, "*/") && hour == "*" && anyDay && dow == "*":
		return fmt.Sprintf("Every %s minutes", minute[2:])
	case isNumber(minute) && hour == "*" && anyDay && dow == "*":
		return fmt.Sprintf("Every hour at minute %s", minute)
	case isNumber(minute) && isNumber(hour) && anyDay && dow == "1-5":
		return fmt.Sprintf("Weekdays at %s:%02d", hour, atoi(minute))
	case isNumber(minute) && isNumber(hour) && anyDay && dow == "*":
		return fmt.Sprintf("Daily at %s:%02d", hour, atoi(minute))
	}
	return expr
}

func isNumber(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
