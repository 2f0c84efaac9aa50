// Package codec converts between shadow data and wire payloads.
//
// The agent does not mandate a serialization format. A Codec encodes and
// decodes the platform message bodies defined in messages.go; two are
// provided:
//
//   - json: encoding/json with json.Number preservation (default)
//   - cbor: deterministic CBOR via github.com/fxamacker/cbor/v2
//
// Both are deterministic for map keys, so encode(decode(encode(x)))
// reproduces the same bytes.
package codec
