// Package codec is the CBOR encoding shared by the Redis driver and the
// metadata cache. Times travel as tagged RFC 3339 strings, integers decode
// as int64 and maps decode with string keys.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode = mustEncMode()
	decMode = mustDecMode()
)

func mustEncMode() cbor.EncMode {
	em, err := cbor.EncOptions{
		Sort:    cbor.SortCanonical,
		Time:    cbor.TimeRFC3339Nano,
		TimeTag: cbor.EncTagRequired,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		TimeTagToAny:   cbor.TimeTagToTime,
		IntDec:         cbor.IntDecConvertSigned,
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}

// Marshal encodes v as CBOR
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into dst
func Unmarshal(data []byte, dst interface{}) error {
	return decMode.Unmarshal(data, dst)
}
