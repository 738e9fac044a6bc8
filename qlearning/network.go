package qlearning

import (
	"fmt"
	"sync"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"snake-dqn/ai"
	"snake-dqn/game/board"
)

// Architecture
//
//	conv 16x5x5 stride 2 same, relu
//	conv 32x3x3 stride 2 same, relu
//	flatten
//	dense 256, linear
//	dense 4, linear
const (
	Conv1Filters = 16
	Conv1Kernel  = 5
	Conv2Filters = 32
	Conv2Kernel  = 3
	ConvStride   = 2
	HiddenUnits  = 256
)

// Layer names used for weights and activation maps.
const (
	LayerConv1 = "conv2d_1"
	LayerConv2 = "conv2d_2"
	LayerDense = "dense_1"
	LayerOut   = "dense_2"
)

// ActivationMap is one channel of a convolution output.
type ActivationMap struct {
	Map   []float64 `json:"map"`
	Shape [2]int    `json:"shape"`
}

// ActivationMaps holds per-channel maps keyed by convolution layer name.
type ActivationMaps map[string][]ActivationMap

// graph is one compiled copy of the network for a fixed batch size.
type graph struct {
	g          *gorgonia.ExprGraph
	batch      int
	x          *gorgonia.Node
	y          *gorgonia.Node
	pred       *gorgonia.Node
	loss       *gorgonia.Node
	learnables gorgonia.Nodes
	vm         gorgonia.VM

	predVal  gorgonia.Value
	conv1Val gorgonia.Value
	conv2Val gorgonia.Value
	lossVal  gorgonia.Value
}

// Network is the convolutional value network.
//
// Two graphs share one set of parameters: a batch-1 graph for inference and
// a batch-N graph for training. The training graph owns the parameters and
// copies them into the inference graph after every step while holding the
// inference lock, so a prediction never sees a partial update.
type Network struct {
	width, height int

	inferMu sync.Mutex
	infer   *graph

	trainMu sync.Mutex
	train   *graph
	solver  gorgonia.Solver
}

// convOut is the output size of a same-padded strided convolution.
func convOut(in int) int {
	return (in + ConvStride - 1) / ConvStride
}

// FlatSize returns the number of features after the second convolution.
func FlatSize(width, height int) int {
	return Conv2Filters * convOut(convOut(width)) * convOut(convOut(height))
}

// weightShapes lists every parameter with its shape.
func weightShapes(width, height int) map[string]tensor.Shape {
	return map[string]tensor.Shape{
		"w1": {Conv1Filters, 1, Conv1Kernel, Conv1Kernel},
		"b1": {1, Conv1Filters, 1, 1},
		"w2": {Conv2Filters, Conv1Filters, Conv2Kernel, Conv2Kernel},
		"b2": {1, Conv2Filters, 1, 1},
		"w3": {FlatSize(width, height), HiddenUnits},
		"b3": {1, HiddenUnits},
		"w4": {HiddenUnits, ai.NumActions},
		"b4": {1, ai.NumActions},
	}
}

var weightOrder = []string{"w1", "b1", "w2", "b2", "w3", "b3", "w4", "b4"}

// initWeights draws Glorot-uniform kernels and zero biases.
func initWeights(width, height int) map[string]*tensor.Dense {
	weights := make(map[string]*tensor.Dense, len(weightOrder))
	for name, shape := range weightShapes(width, height) {
		var backing interface{}
		if name[0] == 'b' {
			backing = gorgonia.Zeroes()(tensor.Float64, shape...)
		} else {
			backing = gorgonia.GlorotU(1.0)(tensor.Float64, shape...)
		}
		weights[name] = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
	}
	return weights
}

// NewNetwork builds both graphs with freshly initialised parameters.
func NewNetwork(width, height, batchSize int, learningRate float64) (*Network, error) {
	if width <= 0 || height <= 0 || batchSize <= 0 {
		return nil, fmt.Errorf("invalid network dimensions %dx%d batch %d", width, height, batchSize)
	}

	weights := initWeights(width, height)

	train, err := buildGraph(width, height, batchSize, weights, true)
	if err != nil {
		return nil, fmt.Errorf("failed to build training graph: %v", err)
	}
	infer, err := buildGraph(width, height, 1, weights, false)
	if err != nil {
		return nil, fmt.Errorf("failed to build inference graph: %v", err)
	}

	return &Network{
		width:  width,
		height: height,
		infer:  infer,
		train:  train,
		solver: gorgonia.NewVanillaSolver(gorgonia.WithLearnRate(learningRate)),
	}, nil
}

func buildGraph(width, height, batch int, weights map[string]*tensor.Dense, withLoss bool) (*graph, error) {
	g := gorgonia.NewGraph()
	shapes := weightShapes(width, height)

	param := func(name string) *gorgonia.Node {
		shape := shapes[name]
		value := weights[name].Clone().(*tensor.Dense)
		return gorgonia.NewTensor(g, tensor.Float64, len(shape),
			gorgonia.WithShape(shape...),
			gorgonia.WithName(name),
			gorgonia.WithValue(value))
	}

	w1, b1, w2, b2 := param("w1"), param("b1"), param("w2"), param("b2")
	w3, b3, w4, b4 := param("w3"), param("b3"), param("w4"), param("b4")

	x := gorgonia.NewTensor(g, tensor.Float64, 4,
		gorgonia.WithShape(batch, 1, width, height),
		gorgonia.WithName("x"))

	// bias broadcasting over the batch: ones(batch,1) x bias(1,n)
	ones := tensor.New(tensor.WithShape(batch, 1), tensor.WithBacking(onesBacking(batch)))
	onesNode := gorgonia.NodeFromAny(g, ones, gorgonia.WithName("ones"))
	expandBias := func(bias *gorgonia.Node) (*gorgonia.Node, error) {
		return gorgonia.Mul(onesNode, bias)
	}
	// conv biases are (1,C,1,1) and repeat over batch, rows and columns
	addChannelBias := func(c, bias *gorgonia.Node) (*gorgonia.Node, error) {
		return gorgonia.BroadcastAdd(c, bias, nil, []byte{0, 2, 3})
	}

	c1, err := gorgonia.Conv2d(x, w1, tensor.Shape{Conv1Kernel, Conv1Kernel},
		[]int{Conv1Kernel / 2, Conv1Kernel / 2}, []int{ConvStride, ConvStride}, []int{1, 1})
	if err != nil {
		return nil, fmt.Errorf("conv1: %v", err)
	}
	if c1, err = addChannelBias(c1, b1); err != nil {
		return nil, fmt.Errorf("conv1 bias: %v", err)
	}
	a1 := gorgonia.Must(gorgonia.Rectify(c1))

	c2, err := gorgonia.Conv2d(a1, w2, tensor.Shape{Conv2Kernel, Conv2Kernel},
		[]int{Conv2Kernel / 2, Conv2Kernel / 2}, []int{ConvStride, ConvStride}, []int{1, 1})
	if err != nil {
		return nil, fmt.Errorf("conv2: %v", err)
	}
	if c2, err = addChannelBias(c2, b2); err != nil {
		return nil, fmt.Errorf("conv2 bias: %v", err)
	}
	a2 := gorgonia.Must(gorgonia.Rectify(c2))

	flat, err := gorgonia.Reshape(a2, tensor.Shape{batch, FlatSize(width, height)})
	if err != nil {
		return nil, fmt.Errorf("flatten: %v", err)
	}

	h := gorgonia.Must(gorgonia.Mul(flat, w3))
	h = gorgonia.Must(gorgonia.Add(h, gorgonia.Must(expandBias(b3))))

	out := gorgonia.Must(gorgonia.Mul(h, w4))
	pred := gorgonia.Must(gorgonia.Add(out, gorgonia.Must(expandBias(b4))))

	gr := &graph{
		g:          g,
		batch:      batch,
		x:          x,
		pred:       pred,
		learnables: gorgonia.Nodes{w1, b1, w2, b2, w3, b3, w4, b4},
	}
	gorgonia.Read(pred, &gr.predVal)

	if !withLoss {
		gorgonia.Read(a1, &gr.conv1Val)
		gorgonia.Read(a2, &gr.conv2Val)
		gr.vm = gorgonia.NewTapeMachine(g)
		return gr, nil
	}

	y := gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(batch, ai.NumActions),
		gorgonia.WithName("y"))

	// MSE Loss
	diff := gorgonia.Must(gorgonia.Sub(pred, y))
	loss := gorgonia.Must(gorgonia.Mean(gorgonia.Must(gorgonia.Square(diff))))

	if _, err := gorgonia.Grad(loss, gr.learnables...); err != nil {
		return nil, fmt.Errorf("gradient: %v", err)
	}

	gr.y = y
	gr.loss = loss
	gorgonia.Read(loss, &gr.lossVal)
	gr.vm = gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(gr.learnables...))
	return gr, nil
}

func onesBacking(n int) []float64 {
	data := make([]float64, n)
	for i := range data {
		data[i] = 1.0
	}
	return data
}

// Width and Height return the input image size.
func (n *Network) Width() int  { return n.width }
func (n *Network) Height() int { return n.height }

// BatchSize returns the fixed batch size of the training graph.
func (n *Network) BatchSize() int { return n.train.batch }

// Predict runs one image through the network and returns the action values.
// When withActivations is set the per-channel convolution outputs are returned too.
func (n *Network) Predict(img *board.Board, withActivations bool) ([]float64, ActivationMaps, error) {
	if img == nil {
		return nil, nil, fmt.Errorf("nil input image")
	}
	if img.Width != n.width || img.Height != n.height {
		return nil, nil, fmt.Errorf("image %dx%d does not match network input %dx%d",
			img.Width, img.Height, n.width, n.height)
	}

	input := tensor.New(tensor.WithShape(1, 1, n.width, n.height), tensor.WithBacking(img.Normalized()))

	n.inferMu.Lock()
	defer n.inferMu.Unlock()

	gr := n.infer
	if err := gorgonia.Let(gr.x, input); err != nil {
		return nil, nil, fmt.Errorf("failed to bind input: %v", err)
	}
	defer gr.vm.Reset()
	if err := gr.vm.RunAll(); err != nil {
		return nil, nil, fmt.Errorf("forward pass error: %v", err)
	}

	q, err := denseData(gr.predVal)
	if err != nil {
		return nil, nil, err
	}

	var maps ActivationMaps
	if withActivations {
		maps = make(ActivationMaps, 2)
		if maps[LayerConv1], err = channelMaps(gr.conv1Val); err != nil {
			return nil, nil, err
		}
		if maps[LayerConv2], err = channelMaps(gr.conv2Val); err != nil {
			return nil, nil, err
		}
	}

	return q, maps, nil
}

// Fit runs one SGD step over exactly BatchSize samples.
// inputs holds BatchSize images of Width*Height values scaled to [0,1];
// targets holds BatchSize vectors of NumActions values.
func (n *Network) Fit(inputs, targets []float64) (float64, error) {
	n.trainMu.Lock()
	defer n.trainMu.Unlock()

	gr := n.train
	if len(inputs) != gr.batch*n.width*n.height {
		return 0, fmt.Errorf("got %d input values, want %d", len(inputs), gr.batch*n.width*n.height)
	}
	if len(targets) != gr.batch*ai.NumActions {
		return 0, fmt.Errorf("got %d target values, want %d", len(targets), gr.batch*ai.NumActions)
	}

	x := tensor.New(tensor.WithShape(gr.batch, 1, n.width, n.height), tensor.WithBacking(inputs))
	y := tensor.New(tensor.WithShape(gr.batch, ai.NumActions), tensor.WithBacking(targets))
	if err := gorgonia.Let(gr.x, x); err != nil {
		return 0, fmt.Errorf("failed to bind inputs: %v", err)
	}
	if err := gorgonia.Let(gr.y, y); err != nil {
		return 0, fmt.Errorf("failed to bind targets: %v", err)
	}

	if err := gr.vm.RunAll(); err != nil {
		gr.vm.Reset()
		return 0, fmt.Errorf("error during backprop: %v", err)
	}

	var loss float64
	if gr.lossVal != nil {
		if v, ok := gr.lossVal.Data().(float64); ok {
			loss = v
		}
	}

	if err := n.solver.Step(gorgonia.NodesToValueGrads(gr.learnables)); err != nil {
		gr.vm.Reset()
		return 0, fmt.Errorf("solver step: %v", err)
	}
	gr.vm.Reset()

	if err := n.publish(); err != nil {
		return 0, err
	}
	return loss, nil
}

// publish copies the training parameters into the inference graph.
func (n *Network) publish() error {
	n.inferMu.Lock()
	defer n.inferMu.Unlock()
	return copyWeights(n.infer, n.train)
}

// copyWeights copia i pesi dal grafo di training a quello di inferenza
func copyWeights(target, source *graph) error {
	for i := range source.learnables {
		dst, ok := target.learnables[i].Value().(*tensor.Dense)
		if !ok {
			return fmt.Errorf("invalid tensor type for %s", target.learnables[i].Name())
		}
		src, ok := source.learnables[i].Value().(*tensor.Dense)
		if !ok {
			return fmt.Errorf("invalid tensor type for %s", source.learnables[i].Name())
		}
		if err := tensor.Copy(dst, src); err != nil {
			return fmt.Errorf("failed to copy %s: %v", source.learnables[i].Name(), err)
		}
	}
	return nil
}

// Weights returns a copy of every parameter keyed by name.
func (n *Network) Weights() map[string]*tensor.Dense {
	n.trainMu.Lock()
	defer n.trainMu.Unlock()

	weights := make(map[string]*tensor.Dense, len(n.train.learnables))
	for _, node := range n.train.learnables {
		if t, ok := node.Value().(*tensor.Dense); ok {
			weights[node.Name()] = t.Clone().(*tensor.Dense)
		}
	}
	return weights
}

// SetWeights overwrites the parameters. Every name must be present with the right shape.
func (n *Network) SetWeights(weights map[string]*tensor.Dense) error {
	shapes := weightShapes(n.width, n.height)
	for _, name := range weightOrder {
		w, ok := weights[name]
		if !ok {
			return fmt.Errorf("missing weight %s", name)
		}
		if !w.Shape().Eq(shapes[name]) {
			return fmt.Errorf("weight %s has shape %v, want %v", name, w.Shape(), shapes[name])
		}
	}

	n.trainMu.Lock()
	defer n.trainMu.Unlock()

	for _, node := range n.train.learnables {
		dst, ok := node.Value().(*tensor.Dense)
		if !ok {
			return fmt.Errorf("invalid tensor type for %s", node.Name())
		}
		if err := tensor.Copy(dst, weights[node.Name()]); err != nil {
			return fmt.Errorf("failed to load %s: %v", node.Name(), err)
		}
	}
	return n.publish()
}

func denseData(v gorgonia.Value) ([]float64, error) {
	if v == nil {
		return nil, fmt.Errorf("nil prediction value")
	}
	data, ok := v.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("invalid prediction tensor type")
	}
	return append([]float64(nil), data...), nil
}

// channelMaps splits a (1, C, H, W) activation into C maps.
func channelMaps(v gorgonia.Value) ([]ActivationMap, error) {
	data, err := denseData(v)
	if err != nil {
		return nil, err
	}
	shape := v.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("unexpected activation shape %v", shape)
	}
	channels, h, w := shape[1], shape[2], shape[3]
	size := h * w

	maps := make([]ActivationMap, channels)
	for c := 0; c < channels; c++ {
		maps[c] = ActivationMap{
			Map:   data[c*size : (c+1)*size],
			Shape: [2]int{h, w},
		}
	}
	return maps, nil
}
