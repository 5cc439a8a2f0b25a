package outreach

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"github.com/badoux/checkmail"
)

var angleAddr = regexp.MustCompile(`<\s*([^<>\s]+@[^<>\s]+)\s*>`)

// ExtractAddress pulls a bare, lower-cased address out of a header value such
// as `"Coach Jane Doe" <jane@school.edu>`. Lists yield their first valid entry.
func ExtractAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty address: %w", ErrImport)
	}

	var candidates []string
	if list, err := mail.ParseAddressList(raw); err == nil {
		for _, a := range list {
			candidates = append(candidates, a.Address)
		}
	} else {
		for _, m := range angleAddr.FindAllStringSubmatch(raw, -1) {
			candidates = append(candidates, m[1])
		}
		if len(candidates) == 0 {
			for _, part := range strings.Split(raw, ",") {
				candidates = append(candidates, strings.Trim(part, " \t\"'"))
			}
		}
	}

	for _, c := range candidates {
		c = strings.ToLower(strings.TrimSpace(c))
		if checkmail.ValidateFormat(c) == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no valid address in %q: %w", raw, ErrImport)
}
