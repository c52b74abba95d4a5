package engine

import (
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/modularcnn/modularcnn/errkind"
	"github.com/modularcnn/modularcnn/layers"
)

// WeightsFormat tags weight files written by SaveWeights
const WeightsFormat = "modularcnn.weights.v1"

// Weight file layout, protobuf wire format:
//
//	file:  1 format (string), 2 input shape (packed varint), 3 layer (repeated message)
//	layer: 1 type (varint: conv=0, pool=1, fc=2), 2 name (string),
//	       3 geometry (packed varint), 4 weights (packed fixed64), 5 biases (packed fixed64)
const (
	fileFormat     protowire.Number = 1
	fileInputShape protowire.Number = 2
	fileLayer      protowire.Number = 3

	layerType     protowire.Number = 1
	layerName     protowire.Number = 2
	layerGeometry protowire.Number = 3
	layerWeights  protowire.Number = 4
	layerBiases   protowire.Number = 5
)

// geometry order: in/out channels, kernel h/w, pool h/w, stride, padding, in/out features, activated
func geometry(l layers.LayerSpec) []uint64 {
	activated := uint64(0)
	if l.Activated {
		activated = 1
	}
	return []uint64{
		uint64(l.InChannels), uint64(l.OutChannels),
		uint64(l.KernelH), uint64(l.KernelW),
		uint64(l.PoolH), uint64(l.PoolW),
		uint64(l.Stride), uint64(l.Padding),
		uint64(l.InFeatures), uint64(l.OutFeatures),
		activated,
	}
}

func specFromGeometry(t layers.LayerType, name string, g []uint64) (layers.LayerSpec, error) {
	if len(g) != 11 {
		return layers.LayerSpec{}, errkind.Newf(errkind.Engine, "layer %s: geometry has %d fields, want 11", name, len(g))
	}
	return layers.LayerSpec{
		Type:        t,
		Name:        name,
		InChannels:  int(g[0]),
		OutChannels: int(g[1]),
		KernelH:     int(g[2]),
		KernelW:     int(g[3]),
		PoolH:       int(g[4]),
		PoolW:       int(g[5]),
		Stride:      int(g[6]),
		Padding:     int(g[7]),
		InFeatures:  int(g[8]),
		OutFeatures: int(g[9]),
		Activated:   g[10] != 0,
	}, nil
}

func appendPackedVarint(b []byte, num protowire.Number, vals []uint64) []byte {
	var packed []byte
	for _, v := range vals {
		packed = protowire.AppendVarint(packed, v)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendPackedDouble(b []byte, num protowire.Number, vals []float64) []byte {
	packed := make([]byte, 0, 8*len(vals))
	for _, v := range vals {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// MarshalWeights encodes topology and parameter values
func (n *Network) MarshalWeights() []byte {
	var b []byte
	b = protowire.AppendTag(b, fileFormat, protowire.BytesType)
	b = protowire.AppendString(b, WeightsFormat)

	shape := make([]uint64, len(n.spec.InputShape))
	for i, d := range n.spec.InputShape {
		shape[i] = uint64(d)
	}
	b = appendPackedVarint(b, fileInputShape, shape)

	for _, op := range n.ops {
		l := op.spec()
		var rec []byte
		rec = protowire.AppendTag(rec, layerType, protowire.VarintType)
		rec = protowire.AppendVarint(rec, uint64(l.Type))
		rec = protowire.AppendTag(rec, layerName, protowire.BytesType)
		rec = protowire.AppendString(rec, l.Name)
		rec = appendPackedVarint(rec, layerGeometry, geometry(l))
		if ps := op.params(); len(ps) == 2 {
			rec = appendPackedDouble(rec, layerWeights, ps[0].Value)
			rec = appendPackedDouble(rec, layerBiases, ps[1].Value)
		}

		b = protowire.AppendTag(b, fileLayer, protowire.BytesType)
		b = protowire.AppendBytes(b, rec)
	}
	return b
}

// SaveWeights writes the weight file to path
func (n *Network) SaveWeights(path string) error {
	if err := os.WriteFile(path, n.MarshalWeights(), 0644); err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to write weights")
	}
	return nil
}

// LoadNetwork rebuilds a network, topology included, from a weight file
func LoadNetwork(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrapf(errkind.IO, err, "failed to read weights")
	}
	return UnmarshalWeights(data)
}

type layerRecord struct {
	spec    layers.LayerSpec
	weights []float64
	biases  []float64
}

func decodeErr(n int) error {
	return errkind.Wrapf(errkind.Engine, protowire.ParseError(n), "malformed weight file")
}

func consumePackedVarint(b []byte) ([]uint64, error) {
	var out []uint64
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, decodeErr(n)
		}
		out = append(out, v)
		b = b[n:]
	}
	return out, nil
}

func consumePackedDouble(b []byte) ([]float64, error) {
	out := make([]float64, 0, len(b)/8)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, decodeErr(n)
		}
		out = append(out, math.Float64frombits(v))
		b = b[n:]
	}
	return out, nil
}

func parseLayer(b []byte) (layerRecord, error) {
	var (
		rec  layerRecord
		typ  uint64
		name string
		geo  []uint64
		err  error
	)
	for len(b) > 0 {
		num, wt, n := protowire.ConsumeTag(b)
		if n < 0 {
			return rec, decodeErr(n)
		}
		b = b[n:]
		switch {
		case num == layerType && wt == protowire.VarintType:
			typ, n = protowire.ConsumeVarint(b)
		case num == layerName && wt == protowire.BytesType:
			name, n = protowire.ConsumeString(b)
		case num == layerGeometry && wt == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				geo, err = consumePackedVarint(v)
			}
		case (num == layerWeights || num == layerBiases) && wt == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				var vals []float64
				vals, err = consumePackedDouble(v)
				if num == layerWeights {
					rec.weights = vals
				} else {
					rec.biases = vals
				}
			}
		default:
			n = protowire.ConsumeFieldValue(num, wt, b)
		}
		if n < 0 {
			return rec, decodeErr(n)
		}
		if err != nil {
			return rec, err
		}
		b = b[n:]
	}
	if typ > uint64(layers.Dense) {
		return rec, errkind.Newf(errkind.Engine, "layer %s: unknown type tag %d", name, typ)
	}
	rec.spec, err = specFromGeometry(layers.LayerType(typ), name, geo)
	return rec, err
}

// UnmarshalWeights decodes data produced by MarshalWeights
func UnmarshalWeights(data []byte) (*Network, error) {
	var (
		format  string
		shape   []uint64
		records []layerRecord
	)
	b := data
	for len(b) > 0 {
		num, wt, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, decodeErr(n)
		}
		b = b[n:]
		var err error
		switch {
		case num == fileFormat && wt == protowire.BytesType:
			format, n = protowire.ConsumeString(b)
		case num == fileInputShape && wt == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				shape, err = consumePackedVarint(v)
			}
		case num == fileLayer && wt == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				var rec layerRecord
				rec, err = parseLayer(v)
				records = append(records, rec)
			}
		default:
			n = protowire.ConsumeFieldValue(num, wt, b)
		}
		if n < 0 {
			return nil, decodeErr(n)
		}
		if err != nil {
			return nil, err
		}
		b = b[n:]
	}

	if format != WeightsFormat {
		return nil, errkind.Newf(errkind.Engine, "unsupported weight file format %q", format)
	}

	inputShape := make([]int, len(shape))
	for i, d := range shape {
		inputShape[i] = int(d)
	}
	specs := make([]layers.LayerSpec, len(records))
	for i, r := range records {
		specs[i] = r.spec
	}
	model, err := layers.CompileSpecs(inputShape, specs)
	if err != nil {
		return nil, errkind.Wrapf(errkind.Engine, err, "weight file topology")
	}

	net, err := newNetwork(model, nil)
	if err != nil {
		return nil, err
	}
	for i, op := range net.ops {
		ps := op.params()
		if len(ps) == 0 {
			continue
		}
		r := records[i]
		if len(r.weights) != len(ps[0].Value) || len(r.biases) != len(ps[1].Value) {
			return nil, errkind.Newf(errkind.Engine, "layer %s: stored %d weights and %d biases, topology needs %d and %d",
				r.spec.Name, len(r.weights), len(r.biases), len(ps[0].Value), len(ps[1].Value))
		}
		copy(ps[0].Value, r.weights)
		copy(ps[1].Value, r.biases)
	}
	return net, nil
}
