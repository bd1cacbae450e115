package posbase

import (
	"encoding/json"
	"strings"
	"time"
)

// Record is one stored entity instance: an open field mapping owned by
// exactly one collection. The store generates and owns the id, createdAt and
// updatedAt fields; everything else is collection-specific convention
// understood by callers, not schema enforced here.
type Record map[string]interface{}

// Field names the store manages on every record
const (
	FieldID        = "id"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// TimeLayout is the wire format for record timestamps (ISO-8601/RFC 3339
// with nanosecond precision, always UTC).
const TimeLayout = time.RFC3339Nano

const indexSuffix = "index"

// Now returns the current UTC time, the single clock used for timestamps
func Now() time.Time {
	return time.Now().UTC()
}

// ID returns the record's id field, or "" when unset
func (r Record) ID() string {
	s, _ := r[FieldID].(string)
	return s
}

// CreatedAt returns the record's createdAt field, or "" when unset
func (r Record) CreatedAt() string {
	s, _ := r[FieldCreatedAt].(string)
	return s
}

// UpdatedAt returns the record's updatedAt field, or "" when unset
func (r Record) UpdatedAt() string {
	s, _ := r[FieldUpdatedAt].(string)
	return s
}

// Clone returns a shallow copy of the record
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// AsRecord normalizes an arbitrary decoded payload into a Record.
// Anything that is not a plain field mapping (nil, arrays, strings, numbers)
// is rejected with ErrInvalidPayload before any write happens.
func AsRecord(v interface{}) (Record, error) {
	switch data := v.(type) {
	case Record:
		if data == nil {
			return nil, ErrInvalidPayload
		}
		return data, nil
	case map[string]interface{}:
		if data == nil {
			return nil, ErrInvalidPayload
		}
		return Record(data), nil
	default:
		return nil, WithContext(ErrInvalidPayload, map[string]interface{}{
			"type": typeName(v),
		})
	}
}

func typeName(v interface{}) string {
	if v == nil {
		return "null"
	}
	switch v.(type) {
	case []interface{}:
		return "array"
	case string:
		return "string"
	case float64, int, int64:
		return "number"
	case bool:
		return "boolean"
	default:
		return "unknown"
	}
}

// Key naming convention. Preserved bit-exact for interoperability with data
// written by earlier deployments:
//
//	"<collection>:<id>"            record
//	"<collection>:index"           primary index
//	"<collection>:<bucket>:index"  secondary (bucket) index

// RecordKey builds the storage key for one record
func RecordKey(collection, id string) string {
	return collection + ":" + id
}

// IndexKey builds the storage key for a collection's primary index
func IndexKey(collection string) string {
	return collection + ":" + indexSuffix
}

// BucketIndexKey builds the storage key for a secondary index bucketed by a
// field value (e.g. "dishes:热菜:index")
func BucketIndexKey(collection, bucketValue string) string {
	return collection + ":" + bucketValue + ":" + indexSuffix
}

// recordIDFromKey extracts the record ID from a key under collection,
// returning ok=false for keys outside the collection and for index keys
// (both the primary index and bucket indexes).
func recordIDFromKey(collection, key string) (string, bool) {
	rest, found := strings.CutPrefix(key, collection+":")
	if !found || rest == "" {
		return "", false
	}
	if rest == indexSuffix || strings.HasSuffix(rest, ":"+indexSuffix) {
		return "", false
	}
	if strings.Contains(rest, ":") {
		return "", false
	}
	return rest, true
}

// Index values are stored as a JSON array of ID strings. This codec is the
// only place that encoding exists for value-based backends; Redis keeps
// index membership in a native set instead (see IDSet).

func encodeIDList(ids []string) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}

func decodeIDList(data []byte) ([]string, error) {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		// Older deployments sometimes double-encoded the array as a
		// JSON string. Accept that shape on read; writes always use
		// the plain array form.
		var s string
		if err2 := json.Unmarshal(data, &s); err2 == nil {
			if err3 := json.Unmarshal([]byte(s), &ids); err3 == nil {
				return ids, nil
			}
		}
		return nil, WithContext(ErrIndexDrift, map[string]interface{}{
			"reason": "index value is not a JSON array of strings",
		})
	}
	return ids, nil
}
