// Package codec converts typed values to and from memcached item values.
package codec

// Codec encodes values V to the bytes stored in an item and back.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Flagger is implemented by codecs that tag the items they encode with a
// flags value. Decoding an item carrying other flags is refused by
// mctext.Typed.
type Flagger interface {
	Flags() uint32
}

// Flags used by the codecs of this package.
const (
	FlagsJSON     uint32 = 1
	FlagsMsgpack  uint32 = 2
	FlagsCBOR     uint32 = 3
	FlagsProtobuf uint32 = 4
)
