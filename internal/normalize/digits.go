package normalize

import "strings"

var thaiDigits = strings.NewReplacer(
	"๐", "0",
	"๑", "1",
	"๒", "2",
	"๓", "3",
	"๔", "4",
	"๕", "5",
	"๖", "6",
	"๗", "7",
	"๘", "8",
	"๙", "9",
)

// Digits replaces Thai numerals with ASCII digits and leaves everything else,
// including ASCII digits, untouched.
func Digits(s string) string {
	return thaiDigits.Replace(s)
}
