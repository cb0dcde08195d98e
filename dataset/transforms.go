package dataset

import (
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/tensor"
)

// Compose chains transforms left to right.
func Compose(transforms ...Transform) Transform {
	return func(rng *rand.Rand, s *Sample) (*Sample, error) {
		var err error
		for _, tr := range transforms {
			s, err = tr(rng, s)
			if err != nil {
				return nil, err
			}
		}
		return s, nil
	}
}

// BuildTransform resolves a list of transform names from the config into one
// composed Transform. An empty list yields nil (no transform stage).
func BuildTransform(names []string, classNum int) (Transform, error) {
	if len(names) == 0 {
		return nil, nil
	}

	transforms := make([]Transform, 0, len(names))
	for _, name := range names {
		switch name {
		case "RandomFlip":
			transforms = append(transforms, RandomFlip())
		case "NormalizeWithMeanStd":
			transforms = append(transforms, NormalizeWithMeanStd())
		case "GammaCorrection":
			transforms = append(transforms, GammaCorrection(0.7, 1.5))
		case "LabelToProbability":
			transforms = append(transforms, LabelToProbability(classNum))
		default:
			return nil, fmt.Errorf("undefined transform %q", name)
		}
	}
	return Compose(transforms...), nil
}

// RandomFlip mirrors the sample along its last spatial axis with probability
// 0.5. Image and label flip together so voxel alignment survives.
func RandomFlip() Transform {
	return func(rng *rand.Rand, s *Sample) (*Sample, error) {
		if rng.Float64() < 0.5 {
			return s, nil
		}
		out := &Sample{Image: flipLastAxis(s.Image)}
		if s.Label != nil {
			out.Label = flipLastAxis(s.Label)
		}
		return out, nil
	}
}

func flipLastAxis(t *tensor.Dense) *tensor.Dense {
	shape := t.Shape()
	width := shape[len(shape)-1]
	src := t.Data().([]float32)

	dst := make([]float32, len(src))
	for row := 0; row < len(src)/width; row++ {
		for x := 0; x < width; x++ {
			dst[row*width+x] = src[row*width+width-1-x]
		}
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(dst))
}

// NormalizeWithMeanStd shifts and scales each image channel to zero mean and
// unit standard deviation. The label passes through untouched.
func NormalizeWithMeanStd() Transform {
	return func(rng *rand.Rand, s *Sample) (*Sample, error) {
		shape := s.Image.Shape()
		channels := shape[0]
		size := shape.TotalSize() / channels
		src := s.Image.Data().([]float32)

		dst := make([]float32, len(src))
		for c := 0; c < channels; c++ {
			chunk := src[c*size : (c+1)*size]
			var mean float64
			for _, v := range chunk {
				mean += float64(v)
			}
			mean /= float64(size)

			var variance float64
			for _, v := range chunk {
				d := float64(v) - mean
				variance += d * d
			}
			std := math.Sqrt(variance / float64(size))
			if std < 1e-8 {
				std = 1e-8
			}

			for i, v := range chunk {
				dst[c*size+i] = float32((float64(v) - mean) / std)
			}
		}
		return &Sample{
			Image: tensor.New(tensor.WithShape(shape...), tensor.WithBacking(dst)),
			Label: s.Label,
		}, nil
	}
}

// GammaCorrection raises intensities to a random exponent drawn from
// [lo, hi], after rescaling the image to [0, 1].
func GammaCorrection(lo, hi float64) Transform {
	return func(rng *rand.Rand, s *Sample) (*Sample, error) {
		gamma := lo + rng.Float64()*(hi-lo)
		src := s.Image.Data().([]float32)

		minV, maxV := src[0], src[0]
		for _, v := range src {
			if v < minV {
				minV = v
			}
			if v > maxV {
				maxV = v
			}
		}
		span := maxV - minV
		if span < 1e-8 {
			return s, nil
		}

		dst := make([]float32, len(src))
		for i, v := range src {
			norm := float64((v - minV) / span)
			dst[i] = float32(math.Pow(norm, gamma))*span + minV
		}
		return &Sample{
			Image: tensor.New(tensor.WithShape(s.Image.Shape()...), tensor.WithBacking(dst)),
			Label: s.Label,
		}, nil
	}
}

// LabelToProbability expands a single-channel class-index label map to one-hot
// probability channels. Labels that already carry classNum channels pass
// through unchanged, as do unlabeled samples.
func LabelToProbability(classNum int) Transform {
	return func(rng *rand.Rand, s *Sample) (*Sample, error) {
		if s.Label == nil {
			return s, nil
		}
		shape := s.Label.Shape()
		if shape[0] == classNum {
			return s, nil
		}
		if shape[0] != 1 {
			return nil, fmt.Errorf("label has %d channels, expected 1 or %d", shape[0], classNum)
		}

		spatial := shape.TotalSize()
		src := s.Label.Data().([]float32)
		dst := make([]float32, classNum*spatial)
		for v, raw := range src {
			c := int(raw)
			if c < 0 || c >= classNum {
				return nil, fmt.Errorf("label value %d out of range [0, %d)", c, classNum)
			}
			dst[c*spatial+v] = 1.0
		}

		labelShape := append([]int{classNum}, shape[1:]...)
		return &Sample{
			Image: s.Image,
			Label: tensor.New(tensor.WithShape(labelShape...), tensor.WithBacking(dst)),
		}, nil
	}
}
