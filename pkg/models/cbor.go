// Package models holds the SurrealDB value types that cross the wire and
// the CBOR codec that encodes them.
package models

import (
	"io"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

type CustomCBORTag uint64

var (
	NoneTag       CustomCBORTag = 6
	TableNameTag  CustomCBORTag = 7
	RecordIDTag   CustomCBORTag = 8
	DecimalTag    CustomCBORTag = 10
	DateTimeTag   CustomCBORTag = 12
	DurationTag   CustomCBORTag = 13
	BinaryUUIDTag CustomCBORTag = 37
)

// Table is a table name. It encodes with TableNameTag.
type Table string

// None is SurrealDB's NONE, distinct from NULL.
type None struct{}

func registerCborTags() cbor.TagSet {
	customTags := map[CustomCBORTag]any{
		TableNameTag: Table(""),
		RecordIDTag:  RecordID{},
		NoneTag:      None{},
	}

	tags := cbor.NewTagSet()
	for tag, customType := range customTags {
		err := tags.Add(
			cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagRequired},
			reflect.TypeOf(customType),
			uint64(tag),
		)
		if err != nil {
			panic(err)
		}
	}

	return tags
}

var (
	modesOnce sync.Once
	encMode   cbor.EncMode
	decMode   cbor.DecMode
)

func modes() (cbor.EncMode, cbor.DecMode) {
	modesOnce.Do(func() {
		tags := registerCborTags()
		em, err := cbor.EncOptions{
			Time:    cbor.TimeRFC3339,
			TimeTag: cbor.EncTagRequired,
		}.EncModeWithTags(tags)
		if err != nil {
			panic(err)
		}
		dm, err := cbor.DecOptions{
			TimeTagToAny:   cbor.TimeTagToTime,
			DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		}.DecModeWithTags(tags)
		if err != nil {
			panic(err)
		}
		encMode, decMode = em, dm
	})
	return encMode, decMode
}

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}

// CborCodec encodes and decodes RPC frames with the SurrealDB tag set.
type CborCodec struct{}

func (CborCodec) Marshal(v any) ([]byte, error) {
	em, _ := modes()
	return em.Marshal(v)
}

func (CborCodec) NewEncoder(w io.Writer) Encoder {
	em, _ := modes()
	return em.NewEncoder(w)
}

func (CborCodec) Unmarshal(data []byte, dst any) error {
	_, dm := modes()
	return dm.Unmarshal(data, dst)
}

func (CborCodec) NewDecoder(r io.Reader) Decoder {
	_, dm := modes()
	return dm.NewDecoder(r)
}
