package stick

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sync/atomic"
)

// Network dimensions. The three dense layers cost 448+1024+192 = 1664
// multiply-accumulates per inference, inside the ~2000-op budget.
const (
	neuralInputSize  = FeatureSize
	neuralHiddenSize = 32
	neuralOutputSize = 6
)

// WeightsBlobVersion is the schema version embedded in serialized weight
// blobs. A blob with any other version fails to load.
const WeightsBlobVersion = 1

// NeuralWeights is one immutable, quantized parameter set. Weights are
// int8; biases live in the int32 accumulator domain. Published sets are
// never mutated: training builds a fresh copy and swaps it in atomically.
type NeuralWeights struct {
	Version uint32

	FC1 [neuralHiddenSize * neuralInputSize]int8
	FC2 [neuralHiddenSize * neuralHiddenSize]int8
	FC3 [neuralOutputSize * neuralHiddenSize]int8

	BiasFC1 [neuralHiddenSize]int32
	BiasFC2 [neuralHiddenSize]int32
	BiasFC3 [neuralOutputSize]int32

	// Quantization scales: input features multiply by InputScale before
	// clamping to int8; each layer's accumulator multiplies by its scale
	// on the way back down.
	InputScale  float64
	FC1Scale    float64
	FC2Scale    float64
	OutputScale float64
}

// canonicalScales fills in the standard int8 scale set.
func (w *NeuralWeights) canonicalScales() {
	w.InputScale = 127
	w.FC1Scale = 1.0 / 127
	w.FC2Scale = 1.0 / 127
	w.OutputScale = 1.0 / 127
}

// Validate checks the blob is usable: right version, finite positive
// scales.
func (w *NeuralWeights) Validate() error {
	if w.Version != WeightsBlobVersion {
		return fmt.Errorf("weights blob version %d, want %d", w.Version, WeightsBlobVersion)
	}
	for name, s := range map[string]float64{
		"input_scale":  w.InputScale,
		"fc1_scale":    w.FC1Scale,
		"fc2_scale":    w.FC2Scale,
		"output_scale": w.OutputScale,
	} {
		if math.IsNaN(s) || math.IsInf(s, 0) || s <= 0 {
			return fmt.Errorf("weights blob has invalid %s %v", name, s)
		}
	}
	return nil
}

// EncodeWeights serializes a weight set as a gzip-compressed gob blob.
func EncodeWeights(w *NeuralWeights) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := gob.NewEncoder(gz)
	if err := enc.Encode(w); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeWeights parses and validates a weight blob.
func DecodeWeights(blob []byte) (*NeuralWeights, error) {
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("weights blob is not gzip: %w", err)
	}
	defer gz.Close()
	var w NeuralWeights
	if err := gob.NewDecoder(gz).Decode(&w); err != nil {
		return nil, fmt.Errorf("weights blob gob decode: %w", err)
	}
	if _, err := io.Copy(io.Discard, gz); err != nil {
		return nil, fmt.Errorf("weights blob trailing read: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// NewRandomWeights builds a deterministic pseudo-random weight set with
// canonical scales. Stands in for the meta prior in tools and tests when
// no trained blob is supplied.
func NewRandomWeights(seed int64) *NeuralWeights {
	rng := rand.New(rand.NewSource(seed))
	w := &NeuralWeights{Version: WeightsBlobVersion}
	w.canonicalScales()
	for i := range w.FC1 {
		w.FC1[i] = int8(rng.Intn(255) - 127)
	}
	for i := range w.FC2 {
		w.FC2[i] = int8(rng.Intn(255) - 127)
	}
	for i := range w.FC3 {
		w.FC3[i] = int8(rng.Intn(255) - 127)
	}
	return w
}

// Compensator performs quantized inference against the currently published
// weight set. Inference reads the weight pointer once per frame, so a
// concurrent publish never tears a read. A Compensator with no published
// weights is disabled and infers zero.
type Compensator struct {
	weights    atomic.Pointer[NeuralWeights]
	inferences atomic.Uint64
}

// NewCompensator returns a disabled Compensator.
func NewCompensator() *Compensator {
	return &Compensator{}
}

// LoadBlob decodes, validates, and publishes a serialized weight set. On
// any error the compensator stays in its previous state; at startup that
// means disabled for the session.
func (n *Compensator) LoadBlob(blob []byte) error {
	w, err := DecodeWeights(blob)
	if err != nil {
		return err
	}
	n.weights.Store(w)
	return nil
}

// Publish atomically swaps in a new weight set.
func (n *Compensator) Publish(w *NeuralWeights) {
	if w == nil {
		return
	}
	n.weights.Store(w)
}

// Weights returns the currently published set, or nil when disabled.
func (n *Compensator) Weights() *NeuralWeights {
	return n.weights.Load()
}

// Enabled reports whether a weight set has been published.
func (n *Compensator) Enabled() bool {
	return n.weights.Load() != nil
}

// Inferences returns the number of inferences performed.
func (n *Compensator) Inferences() uint64 {
	return n.inferences.Load()
}

// Infer runs one quantized forward pass. All intermediate storage is
// fixed-size and stack-resident; the only float math is the per-layer
// rescale and the output tanh.
func (n *Compensator) Infer(f FeatureVector) Vec6 {
	w := n.weights.Load()
	if w == nil {
		return Vec6{}
	}
	n.inferences.Add(1)

	// Quantize input features to int8.
	var q [neuralInputSize]int32
	for i, v := range f {
		s := v * w.InputScale
		if s > 127 {
			s = 127
		} else if s < -127 {
			s = -127
		}
		q[i] = int32(s)
	}

	// FC1: input -> hidden1, saturating rescale.
	var h1 [neuralHiddenSize]int32
	for i := 0; i < neuralHiddenSize; i++ {
		sum := w.BiasFC1[i]
		row := i * neuralInputSize
		for j := 0; j < neuralInputSize; j++ {
			sum += q[j] * int32(w.FC1[row+j])
		}
		h1[i] = saturate(float64(sum) * w.FC1Scale)
	}

	// FC2: hidden1 -> hidden2.
	var h2 [neuralHiddenSize]int32
	for i := 0; i < neuralHiddenSize; i++ {
		sum := w.BiasFC2[i]
		row := i * neuralHiddenSize
		for j := 0; j < neuralHiddenSize; j++ {
			sum += h1[j] * int32(w.FC2[row+j])
		}
		h2[i] = saturate(float64(sum) * w.FC2Scale)
	}

	// FC3: hidden2 -> output, tanh back into [-1,1].
	var out [neuralOutputSize]float64
	for i := 0; i < neuralOutputSize; i++ {
		sum := w.BiasFC3[i]
		row := i * neuralHiddenSize
		for j := 0; j < neuralHiddenSize; j++ {
			sum += h2[j] * int32(w.FC3[row+j])
		}
		out[i] = math.Tanh(float64(sum) * w.OutputScale / 127)
	}

	return Vec6FromArray(out)
}

// saturate clamps a rescaled accumulator into the int8 activation range.
func saturate(v float64) int32 {
	if v > 127 {
		return 127
	}
	if v < -127 {
		return -127
	}
	return int32(v)
}
