package ml

import (
	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"
	F "github.com/wangkuiyi/gotorch/nn/functional"

	"sketch2face/data"
)

// DefaultWidths are the channel widths of the four encoder stages and the
// bottleneck.
var DefaultWidths = [Stages + 1]int64{16, 32, 64, 128, 256}

// ConvBlock is two same-padded 3x3 convolutions, each followed by ReLU.
type ConvBlock struct {
	nn.Module
	Conv1 *nn.Conv2dModule
	Conv2 *nn.Conv2dModule
}

func convBlock(in, out int64) *ConvBlock {
	b := &ConvBlock{
		Conv1: nn.Conv2d(in, out, 3, 1, 1, 1, 1, true, "zeros"),
		Conv2: nn.Conv2d(out, out, 3, 1, 1, 1, 1, true, "zeros"),
	}
	b.Init(b)
	return b
}

// Forward keeps the spatial size of x.
func (b *ConvBlock) Forward(x torch.Tensor) torch.Tensor {
	x = torch.Relu(b.Conv1.Forward(x))
	return torch.Relu(b.Conv2.Forward(x))
}

// UpBlock is a decoder stage. ConvUp and ConvSkip are the two channel halves
// of one 3x3 convolution over the concatenation [up, skip]; their sum is that
// convolution, so no concatenated tensor is ever built.
type UpBlock struct {
	nn.Module
	ConvUp   *nn.Conv2dModule
	ConvSkip *nn.Conv2dModule
	Conv2    *nn.Conv2dModule
}

func upBlock(up, skip, out int64) *UpBlock {
	b := &UpBlock{
		ConvUp:   nn.Conv2d(up, out, 3, 1, 1, 1, 1, true, "zeros"),
		ConvSkip: nn.Conv2d(skip, out, 3, 1, 1, 1, 1, false, "zeros"),
		Conv2:    nn.Conv2d(out, out, 3, 1, 1, 1, 1, true, "zeros"),
	}
	b.Init(b)
	return b
}

// Forward merges up and skip, which must share their spatial size.
func (b *UpBlock) Forward(up, skip torch.Tensor) torch.Tensor {
	x := torch.Relu(torch.Add(b.ConvUp.Forward(up), b.ConvSkip.Forward(skip), 1))
	return torch.Relu(b.Conv2.Forward(x))
}

// Layers holds every trainable module of a UNet. Only modules live here so
// that the parameter and state dict walk sees nothing else.
type Layers struct {
	nn.Module
	Enc1, Enc2, Enc3, Enc4 *ConvBlock
	Bottleneck             *ConvBlock
	Dec1, Dec2, Dec3, Dec4 *UpBlock
	Head                   *nn.Conv2dModule
}

// UNet translates sketches to faces. It works on NCHW tensors of a fixed
// spatial size; Predict takes care of the NHWC boundary.
type UNet struct {
	*Layers

	widths [Stages + 1]int64
	size   data.Size
	plan   []DecoderShape
	device torch.Device
}

// NewUNet builds a network for inputs of the given size. It fails when the
// size cannot survive four pooling stages.
func NewUNet(widths [Stages + 1]int64, size data.Size) (*UNet, error) {
	plan, out, err := PlanShapes(size)
	if err != nil {
		return nil, err
	}
	if out != size {
		return nil, errors.Wrapf(ErrShapeMismatch, "network maps %v to %v", size, out)
	}
	f := widths
	l := &Layers{
		Enc1:       convBlock(3, f[0]),
		Enc2:       convBlock(f[0], f[1]),
		Enc3:       convBlock(f[1], f[2]),
		Enc4:       convBlock(f[2], f[3]),
		Bottleneck: convBlock(f[3], f[4]),
		Dec1:       upBlock(f[4], f[3], f[3]),
		Dec2:       upBlock(f[3], f[2], f[2]),
		Dec3:       upBlock(f[2], f[1], f[1]),
		Dec4:       upBlock(f[1], f[0], f[0]),
		Head:       nn.Conv2d(f[0], 3, 1, 1, 0, 1, 1, true, "zeros"),
	}
	l.Init(l)
	return &UNet{
		Layers: l,
		widths: widths,
		size:   size,
		plan:   plan,
		device: torch.NewDevice("cpu"),
	}, nil
}

// Widths returns the channel widths the network was built with.
func (n *UNet) Widths() [Stages + 1]int64 { return n.widths }

// Size returns the input and output spatial size.
func (n *UNet) Size() data.Size { return n.size }

// Device returns the device holding the parameters.
func (n *UNet) Device() torch.Device { return n.device }

// ToDevice moves the parameters and remembers the device for new tensors.
// Moving runs torch.GC, so the caller must be locked to its OS thread.
func (n *UNet) ToDevice(d torch.Device) {
	n.device = d
	n.To(d)
}

// Forward maps an (N, 3, H, W) tensor in [0,1] to one of the same shape.
func (n *UNet) Forward(x torch.Tensor) torch.Tensor {
	encoders := []*ConvBlock{n.Enc1, n.Enc2, n.Enc3, n.Enc4}
	decoders := []*UpBlock{n.Dec1, n.Dec2, n.Dec3, n.Dec4}

	skips := make([]torch.Tensor, Stages)
	for i, enc := range encoders {
		skips[i] = enc.Forward(x)
		x = F.MaxPool2d(skips[i], []int64{2, 2}, []int64{2, 2}, []int64{0, 0}, []int64{1, 1}, false)
	}
	x = n.Bottleneck.Forward(x)

	for i, dec := range decoders {
		x = dec.Forward(n.upsamplePad(x, n.plan[i]), skips[Stages-1-i])
	}
	return torch.Sigmoid(n.Head.Forward(x))
}

// upsamplePad doubles the rows and columns of an NCHW tensor by nearest
// neighbour and zero-pads the result to st.Skip. Each axis is a single
// IndexSelect; the border mask clears the padding rows and columns.
func (n *UNet) upsamplePad(x torch.Tensor, st DecoderShape) torch.Tensor {
	rows := torch.NewTensor(spreadIndex(st.Top, st.Up.Height, st.Bottom)).To(n.device)
	cols := torch.NewTensor(spreadIndex(st.Left, st.Up.Width, st.Right)).To(n.device)
	x = x.IndexSelect(2, rows).IndexSelect(3, cols)
	if st.Top+st.Bottom+st.Left+st.Right == 0 {
		return x
	}
	mask := torch.NewTensor(borderMask(st)).View(1, 1, int64(st.Skip.Height), int64(st.Skip.Width))
	return torch.Mul(x, mask.To(n.device, torch.Float))
}

// MSELoss is the per-pixel squared error averaged over the whole batch.
func MSELoss(pred, target torch.Tensor) torch.Tensor {
	d := torch.Sub(pred, target, 1)
	return torch.Mul(d, d).Mean()
}
