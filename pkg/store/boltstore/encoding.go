package boltstore

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/surrealdb/docsync/pkg/store"
)

// indexMeta is the stored form of a store.Index.
type indexMeta struct {
	Fields []string `msgpack:"f"`
	Unique bool     `msgpack:"u,omitempty"`
	Sparse bool     `msgpack:"s,omitempty"`
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte, dst any) error {
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(bytes.NewReader(data))
	// ints come back as int64 and floats as float64
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode %T: %w", dst, err)
	}
	return nil
}

func decodeDoc(data []byte) (map[string]any, error) {
	fields := map[string]any{}
	if err := decode(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// indexKey encodes the key of a document in idx. Sparse indexes skip
// documents that have none of the indexed fields.
func indexKey(idx indexMeta, fields map[string]any) ([]byte, bool, error) {
	values := make([]any, len(idx.Fields))
	present := 0
	for i, f := range idx.Fields {
		parts, err := store.SplitPath(f)
		if err != nil {
			return nil, false, err
		}
		if v, ok := store.GetPath(fields, parts); ok {
			values[i] = v
			present++
		}
	}
	if idx.Sparse && present == 0 {
		return nil, false, nil
	}
	key, err := encode(values)
	if err != nil {
		return nil, false, err
	}
	return key, true, nil
}
