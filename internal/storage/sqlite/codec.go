package sqlite

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/michaelbrown/runbox/internal/model"
)

// Results are stored as zstd-compressed JSON. Captured output makes them the
// bulk of the database.
var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

func encodeResult(r *model.ExecutionResult) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return encoder.EncodeAll(data, nil), nil
}

func decodeResult(blob []byte) (*model.ExecutionResult, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	data, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing result: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var r model.ExecutionResult
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("unmarshaling result: %w", err)
	}
	return &r, nil
}
