// Package fingerprint provides canonical hashing for plans and reports and
// assembles the long-term compliance fingerprint of a validation run.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// HashPrefix tags every hash this package produces with its algorithm.
const HashPrefix = "sha256:"

// Canonicalize renders v as canonical JSON: object keys sorted, null object
// members omitted, array order kept, no insignificant whitespace. Two values
// with the same logical content always canonicalize to the same bytes,
// regardless of map iteration or field order.
func Canonicalize(v any) ([]byte, error) {
	blob, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical input: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(blob))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode canonical tree: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kj, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("marshal key %q: %w", k, err)
			}
			buf.Write(kj)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(t.String())
	case string:
		sj, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal string: %w", err)
		}
		buf.Write(sj)
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	default:
		return fmt.Errorf("canonicalize: unsupported type %T", v)
	}
	return nil
}

// Hash canonicalizes v and returns its tagged digest.
func Hash(v any) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return HashPrefix + hex.EncodeToString(sum[:]), nil
}

// HashBytes digests a raw payload without canonicalization.
func HashBytes(raw []byte) string {
	sum := sha256.Sum256(raw)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// Verify recomputes v's hash and compares it to expected in constant time.
func Verify(v any, expected string) (bool, error) {
	got, err := Hash(v)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1, nil
}
