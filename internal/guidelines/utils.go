package guidelines

import (
	"fmt"
	"net/netip"
	"strings"
)

// strCaseEq compares two strings ASCII case-insensitively.
func strCaseEq(a, b string) bool {
	return strCaseCmp(a, b) == 0
}

// strCaseCmp orders two strings ASCII case-insensitively.
func strCaseCmp(a, b string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return int(ca) - int(cb)
		}
	}
	return len(a) - len(b)
}

func strIHasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && strCaseEq(s[:len(prefix)], prefix)
}

func strIHasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && strCaseEq(s[len(s)-len(suffix):], suffix)
}

func strIContains(s, needle string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(needle))
}

// mysqlUnescape processes backslash escapes the way SQL string literals do.
// \n \t \r \b \0 and \Z are translated, \% and \_ stay escaped, and any
// other escaped character is taken literally.
func mysqlUnescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case 'b':
				b.WriteByte('\b')
			case '0':
				b.WriteByte(0)
			case 'Z':
				b.WriteByte('\032')
			case '%', '_':
				// kept escaped so LIKE lowering can tell wildcards from
				// literals
				b.WriteByte('\\')
				b.WriteByte(s[i])
			default:
				b.WriteByte(s[i])
			}
		} else {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// likeToRegexp translates a SQL LIKE pattern into a regular expression.
// '%' becomes '.*', '_' becomes '.', regex metacharacters are escaped and
// '\%' / '\_' stay literal.
func likeToRegexp(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '.', '*', '+', '?', '{', '}', '(', ')', '[', ']', '^', '$', '|':
			b.WriteByte('\\')
			b.WriteByte(pattern[i])
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteByte('.')
		case '\\':
			if i+1 < len(pattern) {
				switch pattern[i+1] {
				case '\\':
					b.WriteString(`\\`)
					i++
				case '%', '_':
					i++
					b.WriteByte(pattern[i])
				default:
					b.WriteString(`\\`)
				}
			} else {
				b.WriteString(`\\`)
			}
		default:
			b.WriteByte(pattern[i])
		}
	}
	return b.String()
}

func isIPv4(address string) bool {
	addr, err := netip.ParseAddr(address)
	return err == nil && addr.Is4()
}

func isIPv6(host string) bool {
	if host == "" || host[0] == '[' {
		return false
	}
	// strip the zone id, checking the remaining part is enough to decide
	// whether the whole address is IPv6
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	addr, err := netip.ParseAddr(host)
	return err == nil && addr.Is6()
}

// networkOf computes the network part of an IPv4 address for the given
// prefix length, returned as a dotted quad.
func networkOf(address string, bitlen int) (string, error) {
	if bitlen < 1 || bitlen > 32 {
		return "", fmt.Errorf("valid mask length for IPv4 address is between 1 and 32")
	}
	addr, err := netip.ParseAddr(address)
	if err != nil || !addr.Is4() {
		return "", fmt.Errorf("NETWORK function called on invalid IPv4 address: %q", address)
	}
	prefix, err := addr.Prefix(bitlen)
	if err != nil {
		return "", err
	}
	return prefix.Addr().String(), nil
}

// errorMsg decorates an evaluation or parse error with the originating
// substring of the expression.
func errorMsg(msg, exp string, beg, end int) string {
	ret := msg
	if strings.HasSuffix(ret, ".") {
		ret = ret[:len(ret)-1] + ","
	}
	if end-beg < 2 {
		return fmt.Sprintf("%s (character %d)", ret, beg+1)
	}
	if beg < 0 {
		beg = 0
	}
	if end > len(exp) {
		end = len(exp)
	}
	return fmt.Sprintf("%s in '%s'", ret, exp[beg:end])
}
