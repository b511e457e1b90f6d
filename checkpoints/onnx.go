package checkpoints

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from onnx.proto. Only the messages needed to carry a set of
// named float initializers are encoded; graph nodes are not written and are
// skipped on read.
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelVersion         protowire.Number = 5
	modelDocString       protowire.Number = 6
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8
	modelMetadataProps   protowire.Number = 14

	opsetVersion protowire.Number = 2

	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5

	tensorDims         protowire.Number = 1
	tensorDataType     protowire.Number = 2
	tensorFloatData    protowire.Number = 4
	tensorName         protowire.Number = 8
	tensorRawData      protowire.Number = 9
	tensorDataLocation protowire.Number = 14

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2

	onnxFloat       = 1
	onnxIRVersion   = 7
	onnxOpset       = 13
	externalStorage = 1
)

const (
	metaEpoch        = "epoch"
	metaStep         = "step"
	metaLearningRate = "learning_rate"
	metaTrainLoss    = "train_loss"
	metaCreatedAt    = "created_at"
	metaTags         = "tags"
)

func marshalModel(c *Checkpoint) []byte {
	var graph []byte
	graph = protowire.AppendTag(graph, graphName, protowire.BytesType)
	graph = protowire.AppendString(graph, frameworkName)
	for _, w := range c.Weights {
		graph = protowire.AppendTag(graph, graphInitializer, protowire.BytesType)
		graph = protowire.AppendBytes(graph, marshalTensor(w))
	}

	var opset []byte
	opset = protowire.AppendTag(opset, opsetVersion, protowire.VarintType)
	opset = protowire.AppendVarint(opset, onnxOpset)

	var b []byte
	b = protowire.AppendTag(b, modelIRVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxIRVersion)
	b = protowire.AppendTag(b, modelProducerName, protowire.BytesType)
	b = protowire.AppendString(b, c.Metadata.Framework)
	b = protowire.AppendTag(b, modelProducerVersion, protowire.BytesType)
	b = protowire.AppendString(b, c.Metadata.Version)
	b = protowire.AppendTag(b, modelVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.TrainingState.Epoch))
	if c.Metadata.Description != "" {
		b = protowire.AppendTag(b, modelDocString, protowire.BytesType)
		b = protowire.AppendString(b, c.Metadata.Description)
	}
	b = protowire.AppendTag(b, modelGraph, protowire.BytesType)
	b = protowire.AppendBytes(b, graph)
	b = protowire.AppendTag(b, modelOpsetImport, protowire.BytesType)
	b = protowire.AppendBytes(b, opset)

	props := [][2]string{
		{metaEpoch, strconv.Itoa(c.TrainingState.Epoch)},
		{metaStep, strconv.Itoa(c.TrainingState.Step)},
		{metaLearningRate, strconv.FormatFloat(float64(c.TrainingState.LearningRate), 'g', -1, 32)},
		{metaTrainLoss, strconv.FormatFloat(float64(c.TrainingState.TrainLoss), 'g', -1, 32)},
		{metaCreatedAt, c.Metadata.CreatedAt.Format(time.RFC3339Nano)},
	}
	if len(c.Metadata.Tags) > 0 {
		props = append(props, [2]string{metaTags, strings.Join(c.Metadata.Tags, ",")})
	}
	for _, kv := range props {
		var entry []byte
		entry = protowire.AppendTag(entry, entryKey, protowire.BytesType)
		entry = protowire.AppendString(entry, kv[0])
		entry = protowire.AppendTag(entry, entryValue, protowire.BytesType)
		entry = protowire.AppendString(entry, kv[1])
		b = protowire.AppendTag(b, modelMetadataProps, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

// marshalTensor encodes a float TensorProto with little-endian raw_data
func marshalTensor(w WeightTensor) []byte {
	raw := make([]byte, 4*len(w.Data))
	for i, v := range w.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	b := make([]byte, 0, len(raw)+len(w.Name)+16+10*len(w.Shape))
	for _, d := range w.Shape {
		b = protowire.AppendTag(b, tensorDims, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d))
	}
	b = protowire.AppendTag(b, tensorDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxFloat)
	b = protowire.AppendTag(b, tensorName, protowire.BytesType)
	b = protowire.AppendString(b, w.Name)
	b = protowire.AppendTag(b, tensorRawData, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)
	return b
}

// fieldFunc handles one field and returns the number of bytes it consumed
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walkFields iterates over the fields of a message, skipping any that fn
// reports as unhandled by returning 0 consumed bytes.
func walkFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		used, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if used == 0 {
			used = protowire.ConsumeFieldValue(num, typ, b)
			if used < 0 {
				return protowire.ParseError(used)
			}
		}
		b = b[used:]
	}
	return nil
}

func consumeBytes(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func unmarshalModel(data []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	props := map[string]string{}

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		switch num {
		case modelProducerName, modelProducerVersion, modelDocString:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			switch num {
			case modelProducerName:
				c.Metadata.Framework = string(v)
			case modelProducerVersion:
				c.Metadata.Version = string(v)
			default:
				c.Metadata.Description = string(v)
			}
			return n, nil
		case modelGraph:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			weights, err := unmarshalGraph(v)
			if err != nil {
				return 0, err
			}
			c.Weights = weights
			return n, nil
		case modelMetadataProps:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			key, value, err := unmarshalEntry(v)
			if err != nil {
				return 0, err
			}
			props[key] = value
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if err := applyMetadata(c, props); err != nil {
		return nil, err
	}
	return c, nil
}

func applyMetadata(c *Checkpoint, props map[string]string) error {
	var err error
	if v, ok := props[metaEpoch]; ok {
		if c.TrainingState.Epoch, err = strconv.Atoi(v); err != nil {
			return errors.Wrap(err, "bad epoch metadata")
		}
	}
	if v, ok := props[metaStep]; ok {
		if c.TrainingState.Step, err = strconv.Atoi(v); err != nil {
			return errors.Wrap(err, "bad step metadata")
		}
	}
	parseFloat := func(key string, dst *float32) error {
		v, ok := props[key]
		if !ok {
			return nil
		}
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return errors.Wrapf(err, "bad %s metadata", key)
		}
		*dst = float32(f)
		return nil
	}
	if err := parseFloat(metaLearningRate, &c.TrainingState.LearningRate); err != nil {
		return err
	}
	if err := parseFloat(metaTrainLoss, &c.TrainingState.TrainLoss); err != nil {
		return err
	}
	if v, ok := props[metaCreatedAt]; ok {
		if c.Metadata.CreatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return errors.Wrap(err, "bad created_at metadata")
		}
	}
	if v, ok := props[metaTags]; ok && v != "" {
		c.Metadata.Tags = strings.Split(v, ",")
	}
	return nil
}

func unmarshalEntry(b []byte) (string, string, error) {
	var key, value string
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType || (num != entryKey && num != entryValue) {
			return 0, nil
		}
		v, n, err := consumeBytes(b)
		if err != nil {
			return 0, err
		}
		if num == entryKey {
			key = string(v)
		} else {
			value = string(v)
		}
		return n, nil
	})
	return key, value, err
}

func unmarshalGraph(b []byte) ([]WeightTensor, error) {
	var weights []WeightTensor
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != graphInitializer || typ != protowire.BytesType {
			return 0, nil
		}
		v, n, err := consumeBytes(b)
		if err != nil {
			return 0, err
		}
		w, err := unmarshalTensor(v)
		if err != nil {
			return 0, err
		}
		weights = append(weights, w)
		return n, nil
	})
	return weights, err
}

// unmarshalTensor decodes a float TensorProto. Dims may be packed or not;
// values may be in raw_data or float_data.
func unmarshalTensor(b []byte) (WeightTensor, error) {
	var w WeightTensor
	dataType := uint64(onnxFloat)
	var raw []byte
	var floats []float32
	var external bool

	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == tensorDims && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			w.Shape = append(w.Shape, int(v))
			return n, nil
		case num == tensorDims && typ == protowire.BytesType:
			packed, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				w.Shape = append(w.Shape, int(v))
				packed = packed[m:]
			}
			return n, nil
		case num == tensorDataType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			dataType = v
			return n, nil
		case num == tensorFloatData && typ == protowire.BytesType:
			packed, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			if len(packed)%4 != 0 {
				return 0, errors.New("float_data length is not a multiple of 4")
			}
			for i := 0; i < len(packed); i += 4 {
				floats = append(floats, math.Float32frombits(binary.LittleEndian.Uint32(packed[i:])))
			}
			return n, nil
		case num == tensorFloatData && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			floats = append(floats, math.Float32frombits(v))
			return n, nil
		case num == tensorName && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			w.Name = string(v)
			return n, nil
		case num == tensorRawData && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			raw = v
			return n, nil
		case num == tensorDataLocation && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			external = v == externalStorage
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return w, err
	}

	if dataType != onnxFloat {
		return w, errors.Errorf("tensor %q: unsupported data type %d", w.Name, dataType)
	}
	if external {
		return w, errors.Errorf("tensor %q: external data is not supported", w.Name)
	}
	switch {
	case raw != nil:
		if len(raw)%4 != 0 {
			return w, errors.Errorf("tensor %q: raw_data length %d is not a multiple of 4", w.Name, len(raw))
		}
		w.Data = make([]float32, len(raw)/4)
		for i := range w.Data {
			w.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	default:
		w.Data = floats
	}
	if w.Data == nil {
		w.Data = []float32{}
	}
	return w, nil
}
