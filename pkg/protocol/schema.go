package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/woxQAQ/fp-provider-runtime/internal/codec"
)

// SchemaField is one field of a query or config schema. Variants (text,
// select, checkbox, ...) differ only in their extra attributes, so the host
// keeps those in Attributes instead of modelling every variant.
type SchemaField struct {
	Type       string
	Name       string
	Label      string
	Attributes map[string]any
}

// QuerySchema describes the form of a query type.
type QuerySchema = []SchemaField

// ConfigSchema describes the configuration a provider accepts.
type ConfigSchema = []SchemaField

func (f SchemaField) EncodeMsgpack(enc *msgpack.Encoder) error {
	payload := make(map[string]any, len(f.Attributes)+2)
	for k, v := range f.Attributes {
		payload[k] = v
	}
	payload["name"] = f.Name
	payload["label"] = f.Label
	return codec.EncodeTagged(enc, f.Type, payload)
}

func (f *SchemaField) DecodeMsgpack(dec *msgpack.Decoder) error {
	tag, raw, err := codec.DecodeTagged(dec)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return err
	}
	*f = SchemaField{Type: tag, Attributes: make(map[string]any)}
	for k, v := range m {
		switch k {
		case codec.TagKey:
		case "name", "label":
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("schema field %q: %s must be a string", tag, k)
			}
			if k == "name" {
				f.Name = s
			} else {
				f.Label = s
			}
		default:
			f.Attributes[k] = v
		}
	}
	return nil
}
