package providers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// sortedJSON re-encodes a JSON object with keys sorted at every level and HTML escaping off.
// Numbers keep their literal form.
func sortedJSON(body []byte) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	var buffer bytes.Buffer
	if err := writeSorted(&buffer, value); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func writeSorted(buffer *bytes.Buffer, value any) error {
	switch typed := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		buffer.WriteByte('{')
		for index, key := range keys {
			if index > 0 {
				buffer.WriteByte(',')
			}
			if err := writeString(buffer, key); err != nil {
				return err
			}
			buffer.WriteByte(':')
			if err := writeSorted(buffer, typed[key]); err != nil {
				return err
			}
		}
		buffer.WriteByte('}')
	case []any:
		buffer.WriteByte('[')
		for index, element := range typed {
			if index > 0 {
				buffer.WriteByte(',')
			}
			if err := writeSorted(buffer, element); err != nil {
				return err
			}
		}
		buffer.WriteByte(']')
	case string:
		return writeString(buffer, typed)
	case json.Number:
		buffer.WriteString(typed.String())
	case bool:
		buffer.WriteString(fmt.Sprint(typed))
	case nil:
		buffer.WriteString("null")
	default:
		return fmt.Errorf("unexpected json value %T", value)
	}
	return nil
}

// orderedJSONWithout re-encodes a JSON object in document order, dropping one top-level key.
// Slashes are escaped as \/ to match the PHP encoder used by Cryptomus.
func orderedJSONWithout(body []byte, dropKey string) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var buffer bytes.Buffer
	if err := copyValue(decoder, &buffer, 0, dropKey); err != nil {
		return nil, err
	}
	if _, err := decoder.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after json object")
	}
	return bytes.ReplaceAll(buffer.Bytes(), []byte("/"), []byte(`\/`)), nil
}

func copyValue(decoder *json.Decoder, buffer *bytes.Buffer, depth int, dropKey string) error {
	token, err := decoder.Token()
	if err != nil {
		return err
	}
	switch typed := token.(type) {
	case json.Delim:
		switch typed {
		case '{':
			buffer.WriteByte('{')
			first := true
			for decoder.More() {
				keyToken, err := decoder.Token()
				if err != nil {
					return err
				}
				key, _ := keyToken.(string)
				if depth == 0 && key == dropKey {
					if err := copyValue(decoder, &bytes.Buffer{}, depth+1, dropKey); err != nil {
						return err
					}
					continue
				}
				if !first {
					buffer.WriteByte(',')
				}
				first = false
				if err := writeString(buffer, key); err != nil {
					return err
				}
				buffer.WriteByte(':')
				if err := copyValue(decoder, buffer, depth+1, dropKey); err != nil {
					return err
				}
			}
			if _, err := decoder.Token(); err != nil {
				return err
			}
			buffer.WriteByte('}')
		case '[':
			buffer.WriteByte('[')
			for index := 0; decoder.More(); index++ {
				if index > 0 {
					buffer.WriteByte(',')
				}
				if err := copyValue(decoder, buffer, depth+1, dropKey); err != nil {
					return err
				}
			}
			if _, err := decoder.Token(); err != nil {
				return err
			}
			buffer.WriteByte(']')
		default:
			return fmt.Errorf("unexpected delimiter %v", typed)
		}
	default:
		return writeSorted(buffer, typed)
	}
	return nil
}

func writeString(buffer *bytes.Buffer, value string) error {
	var encoded strings.Builder
	encoder := json.NewEncoder(&encoded)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(value); err != nil {
		return err
	}
	buffer.WriteString(strings.TrimSuffix(encoded.String(), "\n"))
	return nil
}
