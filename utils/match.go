package utils

import "strings"

// MatchResource reports whether a resource identifier matches a grant
// pattern. Patterns may include:
//   - '*' matching any sequence within a path segment (a trailing '*'
//     matches everything that follows),
//   - ':name' parameters matching a single segment,
//   - a trailing '/*' matching a whole subtree.
func MatchResource(pattern, value string) bool {
	if pattern == "*" || pattern == value {
		return true
	}
	return matchPattern(value, pattern)
}

func matchPattern(value, pattern string) bool {
	vIndex, pIndex := 0, 0
	vLen, pLen := len(value), len(pattern)

	for pIndex < pLen {
		switch pattern[pIndex] {
		case '*':
			if pIndex == pLen-1 {
				return true
			}
			for vIndex < vLen && value[vIndex] != '/' {
				vIndex++
			}
			pIndex++
		case ':':
			pIndex++
			for pIndex < pLen && pattern[pIndex] != '/' {
				pIndex++
			}
			for vIndex < vLen && value[vIndex] != '/' {
				vIndex++
			}
		default:
			if vIndex < vLen && pattern[pIndex] == value[vIndex] {
				vIndex++
				pIndex++
			} else {
				return false
			}
		}
	}

	if strings.HasSuffix(pattern, "/*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "/*"))
	}
	return vIndex == vLen && pIndex == pLen
}
