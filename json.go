package messaging

import (
	"bytes"
	"encoding/json"

	"github.com/bytedance/sonic"
)

var jsonAPI = sonic.ConfigStd

// JsonMarshaler is the wire codec for queue payloads. Every document it emits
// is compact JSON on a single line. Byte slices and strings are taken to be
// encoded documents already and only have insignificant whitespace removed.
type JsonMarshaler struct{}

func (j JsonMarshaler) Marshal(v any) ([]byte, error) {
	switch d := v.(type) {
	case []byte:
		return compact(d), nil
	case string:
		return compact([]byte(d)), nil
	default:
		return jsonAPI.Marshal(v)
	}
}

func (j JsonMarshaler) Unmarshal(d []byte, v any) error {
	return jsonAPI.Unmarshal(d, v)
}

func (j JsonMarshaler) String() string {
	return "json"
}

// compact strips whitespace outside string literals. Malformed input is
// returned unchanged so decoding reports it.
func compact(doc []byte) []byte {
	if !bytes.ContainsAny(doc, " \t\r\n") {
		return doc
	}
	var buf bytes.Buffer
	buf.Grow(len(doc))
	if err := json.Compact(&buf, doc); err != nil {
		return doc
	}
	return buf.Bytes()
}
