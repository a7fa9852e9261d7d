package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// javaLiteral renders a JSON value as a Java expression of static type
// Object. Integers become long literals, other numbers double literals,
// arrays fixed-size lists and objects insertion-ordered maps built by the
// harness helper.
func javaLiteral(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("decoding value: %w", err)
	}
	var b strings.Builder
	if err := writeJavaValue(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeJavaValue(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(t))
	case json.Number:
		return writeJavaNumber(b, t)
	case string:
		b.WriteString(javaString(t))
	case []any:
		if len(t) == 0 {
			b.WriteString("new java.util.ArrayList<Object>()")
			return nil
		}
		b.WriteString("java.util.Arrays.asList(new Object[] {")
		for i, el := range t {
			if i > 0 {
				b.WriteString(", ")
			}
			if err := writeJavaValue(b, el); err != nil {
				return err
			}
		}
		b.WriteString("})")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("harnessMap(new Object[] {")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(javaString(k))
			b.WriteString(", ")
			if err := writeJavaValue(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteString("})")
	default:
		return fmt.Errorf("unsupported value %T", v)
	}
	return nil
}

func writeJavaNumber(b *strings.Builder, n json.Number) error {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			b.WriteString(strconv.FormatInt(i, 10))
			b.WriteString("L")
			return nil
		}
		if _, ok := new(big.Int).SetString(s, 10); ok {
			b.WriteString("new java.math.BigInteger(")
			b.WriteString(javaString(s))
			b.WriteString(")")
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("number %s out of range", s)
	}
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	b.WriteString("d")
	return nil
}

// javaString quotes s as a Java string literal. Control characters use octal
// escapes because javac expands \u sequences before tokenizing.
func javaString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			if r < 0x20 || r == 0x7f {
				fmt.Fprintf(&b, `\%03o`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}
