// Package codec converts entity field values to and from the durable
// substrate's serializable JSON form. Non-JSON-native values travel as
// tagged objects ("__type" wrappers) so decoding restores the original
// kinds.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftlock/driftlock/internal/entity"
	"github.com/driftlock/driftlock/internal/errors"
)

// FieldCodec is the encoding collaborator the stores consume. The core
// never assumes a particular wire format beyond "bytes in, fields out".
type FieldCodec interface {
	Encode(fields map[string]any) ([]byte, error)
	Decode(data []byte) (map[string]any, error)
}

// JSON is the default FieldCodec.
type JSON struct{}

// Encode serializes a field map to the substrate form.
func (JSON) Encode(fields map[string]any) ([]byte, error) {
	wrapped := make(map[string]any, len(fields))
	for name, v := range fields {
		w, err := wrap(v)
		if err != nil {
			return nil, err
		}
		wrapped[name] = w
	}
	data, err := json.Marshal(wrapped)
	if err != nil {
		return nil, errors.NewPersistence("encode", err)
	}
	return data, nil
}

// Decode restores a field map from the substrate form.
func (JSON) Decode(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.NewPersistence("decode", err)
	}
	fields := make(map[string]any, len(raw))
	for name, v := range raw {
		u, err := unwrap(v)
		if err != nil {
			return nil, err
		}
		fields[name] = u
	}
	return fields, nil
}

func wrap(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string, int, int32, int64, float32, float64:
		return val, nil
	case time.Time:
		return map[string]any{"__type": "Date", "iso": val.UTC().Format(time.RFC3339Nano)}, nil
	case []byte:
		return map[string]any{"__type": "Bytes", "base64": base64.StdEncoding.EncodeToString(val)}, nil
	case entity.GeoPoint:
		return map[string]any{"__type": "GeoPoint", "latitude": val.Latitude, "longitude": val.Longitude}, nil
	case entity.Polygon:
		coords := make([][]float64, len(val.Points))
		for i, p := range val.Points {
			coords[i] = []float64{p.Latitude, p.Longitude}
		}
		return map[string]any{"__type": "Polygon", "coordinates": coords}, nil
	case entity.Pointer:
		return map[string]any{"__type": "Pointer", "className": val.ClassName, "objectId": val.ObjectID}, nil
	case entity.Relation:
		return map[string]any{"__type": "Relation", "className": val.TargetClass, "objectIds": val.IDs}, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			w, err := wrap(item)
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	}
	return nil, errors.NewPersistence("encode", fmt.Errorf("unsupported field value type %T", v))
}

func unwrap(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		typeName, _ := val["__type"].(string)
		switch typeName {
		case "Date":
			iso, _ := val["iso"].(string)
			ts, err := time.Parse(time.RFC3339Nano, iso)
			if err != nil {
				return nil, errors.NewPersistence("decode", fmt.Errorf("bad Date value %q: %w", iso, err))
			}
			return ts, nil
		case "Bytes":
			b64, _ := val["base64"].(string)
			data, err := base64.StdEncoding.DecodeString(b64)
			if err != nil {
				return nil, errors.NewPersistence("decode", fmt.Errorf("bad Bytes value: %w", err))
			}
			return data, nil
		case "GeoPoint":
			lat, _ := val["latitude"].(float64)
			lng, _ := val["longitude"].(float64)
			return entity.GeoPoint{Latitude: lat, Longitude: lng}, nil
		case "Polygon":
			rawCoords, _ := val["coordinates"].([]any)
			points := make([]entity.GeoPoint, 0, len(rawCoords))
			for _, rc := range rawCoords {
				pair, ok := rc.([]any)
				if !ok || len(pair) != 2 {
					return nil, errors.NewPersistence("decode", fmt.Errorf("bad Polygon coordinate %v", rc))
				}
				lat, _ := pair[0].(float64)
				lng, _ := pair[1].(float64)
				points = append(points, entity.GeoPoint{Latitude: lat, Longitude: lng})
			}
			return entity.Polygon{Points: points}, nil
		case "Pointer":
			className, _ := val["className"].(string)
			objectID, _ := val["objectId"].(string)
			return entity.Pointer{ClassName: className, ObjectID: objectID}, nil
		case "Relation":
			className, _ := val["className"].(string)
			rawIDs, _ := val["objectIds"].([]any)
			ids := make([]string, 0, len(rawIDs))
			for _, ri := range rawIDs {
				id, _ := ri.(string)
				ids = append(ids, id)
			}
			return entity.Relation{TargetClass: className, IDs: ids}, nil
		}
		return nil, errors.NewPersistence("decode", fmt.Errorf("unknown __type %q", typeName))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			u, err := unwrap(item)
			if err != nil {
				return nil, err
			}
			out[i] = u
		}
		return out, nil
	}
	return v, nil
}
