// Package canon implements RFC-8785-style canonical JSON serialization and
// the stable SHA-256 hash derived from it. Every content hash in the audit
// trail — row hashes, node_state input/output hashes, contract version
// hashes, checkpoint topology hashes — is stable_hash(canon.Marshal(x)).
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf8"

	"github.com/tachyon-beep/elspeth-sub005/internal/elspethErr"
)

// maxSafeInteger is the largest integer magnitude ELSPETH will canonicalize,
// matching the float64-safe-integer boundary the audit trail's
// cross-language checkpoint format relies on.
const maxSafeInteger = 1<<53 - 1

// jsonLiteral emits its string form verbatim, bypassing encoding/json's own
// number formatting so integral and fractional values round-trip exactly
// byte-for-byte.
type jsonLiteral string

func (l jsonLiteral) MarshalJSON() ([]byte, error) { return []byte(l), nil }

// Marshal produces the canonical byte form of v: object keys sorted, no
// insignificant whitespace, UTF-8-valid strings, and numbers rendered
// without a fractional component when they are mathematically integral.
//
// Marshal fails with an *elspethErr.CoreError carrying CodeInvalidValue for
// NaN/Inf floats and CodeOutOfRange for integers outside ±(2^53-1).
func Marshal(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(norm)
}

// StableHash returns the lowercase hex SHA-256 digest of Marshal(v).
func StableHash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// MustStableHash panics on encoding failure. Reserved for call sites where
// the value has already been validated (e.g. re-hashing a value this
// process itself produced).
func MustStableHash(v any) string {
	h, err := StableHash(v)
	if err != nil {
		panic(err)
	}
	return h
}

// normalize routes v through encoding/json first so struct tags,
// omitempty, and custom MarshalJSON implementations are honored exactly as
// the rest of the codebase expects, then re-walks the generic
// representation for canonical key ordering and number/string validation.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		var unsupported *json.UnsupportedValueError
		if errors.As(err, &unsupported) {
			return nil, elspethErr.InvalidValueError("canon: unsupported value: %s", unsupported.Str)
		}
		return nil, fmt.Errorf("canon: marshal input: %w", err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canon: decode intermediate form: %w", err)
	}
	return walk(generic)
}

func walk(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return t, nil
	case string:
		if !utf8.ValidString(t) {
			return nil, elspethErr.InvalidValueError("canon: string is not valid UTF-8")
		}
		return t, nil
	case json.Number:
		return normalizeNumber(t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		// encoding/json already sorts map[string]any keys alphabetically,
		// but we keep an explicit ordered walk so every value underneath
		// is validated in a deterministic sequence (useful for error
		// messages that name "the first offending field").
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			val, err := walk(t[k])
			if err != nil {
				return nil, err
			}
			out[k] = val
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			val, err := walk(e)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("canon: unsupported type %T", v)
	}
}

func normalizeNumber(n json.Number) (any, error) {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		if i > maxSafeInteger || i < -maxSafeInteger {
			return nil, elspethErr.OutOfRangeError("canon: integer %d out of ±(2^53-1) range", i)
		}
		return jsonLiteral(strconv.FormatInt(i, 10)), nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("canon: invalid number %s: %w", s, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, elspethErr.InvalidValueError("canon: non-finite float %s", s)
	}
	if f == math.Trunc(f) && math.Abs(f) <= maxSafeInteger {
		return jsonLiteral(strconv.FormatInt(int64(f), 10)), nil
	}
	return jsonLiteral(strconv.FormatFloat(f, 'g', -1, 64)), nil
}
