package filtertable

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/opendiamond/adiskd/internal/signature"
)

// ParsedSpec is the result of parsing a plaintext filter spec, before
// EvalFunc/InitFunc bodies have been bound by the caller (those are
// supplied externally; see spec.md §1's "filter executables/interpreters
// are also external").
type ParsedSpec struct {
	Filters []*Descriptor
	Libs    []signature.Signature
}

// Parse reads a filter spec in the line-oriented directive format the
// diamond client installs with a searchlet (spec.md §4.5):
//
//	LIB <hex-signature>
//	FILTER <name>
//	  FUNCTION <function-name>
//	  ARG <value>
//	  THRESHOLD <int>
//	  DEPENDS <filter-name>
//	  BLOB <hex-signature>
//	END
//
// Unknown directives are a parse error. The format is read by this
// hand-rolled, regex-free line parser rather than a general grammar.
func Parse(spec string) (*ParsedSpec, error) {
	out := &ParsedSpec{}
	var cur *Descriptor

	scanner := bufio.NewScanner(strings.NewReader(spec))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		directive := fields[0]
		rest := strings.TrimSpace(strings.TrimPrefix(line, directive))

		switch directive {
		case "LIB":
			sig, ok := signature.FromHex(rest)
			if !ok {
				return nil, fmt.Errorf("filtertable: line %d: invalid LIB signature %q", lineNo, rest)
			}
			out.Libs = append(out.Libs, sig)

		case "FILTER":
			if cur != nil {
				return nil, fmt.Errorf("filtertable: line %d: FILTER before previous END", lineNo)
			}
			if rest == "" {
				return nil, fmt.Errorf("filtertable: line %d: FILTER requires a name", lineNo)
			}
			cur = &Descriptor{Name: rest, Threshold: 1}

		case "FUNCTION":
			if cur == nil {
				return nil, fmt.Errorf("filtertable: line %d: FUNCTION outside FILTER", lineNo)
			}
			cur.FunctionName = rest

		case "ARG":
			if cur == nil {
				return nil, fmt.Errorf("filtertable: line %d: ARG outside FILTER", lineNo)
			}
			cur.Argv = append(cur.Argv, rest)

		case "THRESHOLD":
			if cur == nil {
				return nil, fmt.Errorf("filtertable: line %d: THRESHOLD outside FILTER", lineNo)
			}
			n, err := strconv.Atoi(rest)
			if err != nil {
				return nil, fmt.Errorf("filtertable: line %d: invalid THRESHOLD %q: %w", lineNo, rest, err)
			}
			cur.Threshold = n

		case "DEPENDS":
			if cur == nil {
				return nil, fmt.Errorf("filtertable: line %d: DEPENDS outside FILTER", lineNo)
			}
			cur.Dependencies = append(cur.Dependencies, rest)

		case "BLOB":
			if cur == nil {
				return nil, fmt.Errorf("filtertable: line %d: BLOB outside FILTER", lineNo)
			}
			sig, ok := signature.FromHex(rest)
			if !ok {
				return nil, fmt.Errorf("filtertable: line %d: invalid BLOB signature %q", lineNo, rest)
			}
			cur.BlobSig = sig

		case "END":
			if cur == nil {
				return nil, fmt.Errorf("filtertable: line %d: END without FILTER", lineNo)
			}
			out.Filters = append(out.Filters, cur)
			cur = nil

		default:
			return nil, fmt.Errorf("filtertable: line %d: unknown directive %q", lineNo, directive)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("filtertable: %w", err)
	}
	if cur != nil {
		return nil, fmt.Errorf("filtertable: FILTER %q missing END", cur.Name)
	}
	return out, nil
}
